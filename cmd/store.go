package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/internal/store"
	"github.com/nextlevelbuilder/wacoder/internal/store/memory"
	"github.com/nextlevelbuilder/wacoder/internal/store/pg"
	"github.com/nextlevelbuilder/wacoder/internal/store/redis"
	"github.com/nextlevelbuilder/wacoder/internal/store/sqlite"
	"github.com/nextlevelbuilder/wacoder/internal/upgrade"
)

// openStore opens the backend selected by sessions.backend. For postgres the
// schema is migrated (auto_migrate) or checked before the store is returned.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Sessions.Backend {
	case "memory":
		slog.Warn("sessions backend is in-memory; state is lost on restart")
		return memory.New(memory.WithPinnedCounters(sessions.GlobalRateKey)), nil

	case "sqlite":
		path := config.ExpandHome(cfg.Sessions.SQLitePath)
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		slog.Info("sessions backend opened", "backend", "sqlite", "path", path)
		return st, nil

	case "postgres":
		dsn := cfg.Database.PostgresDSN
		if cfg.Sessions.AutoMigrate {
			if err := pg.Migrate(dsn); err != nil {
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		} else if err := checkSchema(ctx, dsn); err != nil {
			return nil, err
		}
		st, err := pg.Open(dsn)
		if err != nil {
			return nil, err
		}
		slog.Info("sessions backend opened", "backend", "postgres")
		return st, nil

	case "redis":
		st, err := redis.Open(cfg.Database.RedisURL)
		if err != nil {
			return nil, err
		}
		slog.Info("sessions backend opened", "backend", "redis")
		return st, nil

	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

// checkSchema gates startup on a schema this binary understands.
func checkSchema(ctx context.Context, dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("schema check: connect: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("schema check: ping: %w", err)
	}

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if err := s.Err(); err != nil {
		fmt.Print(upgrade.FormatError(s))
		return err
	}
	slog.Info("schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion)
	return nil
}
