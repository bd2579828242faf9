package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/store/pg"
	"github.com/nextlevelbuilder/wacoder/internal/upgrade"
)

var migrationsDir string

// resolveMigrationsDir returns an on-disk migrations directory, or "" to use
// the migrations embedded in the binary.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	return os.Getenv("WACODER_MIGRATIONS_DIR")
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	var (
		m   *migrate.Migrate
		err error
	)
	if dir := resolveMigrationsDir(); dir != "" {
		m, err = migrate.New("file://"+dir, dsn)
	} else {
		m, err = pg.NewMigrator(dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open session schema migrations: %w", err)
	}
	m.Log = migrateLog{}
	return m, nil
}

// migrateLog routes golang-migrate's progress lines into slog.
type migrateLog struct{}

func (migrateLog) Printf(format string, v ...any) {
	slog.Debug("migrate.step", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLog) Verbose() bool { return verbose }

// postgresDSN reads the session database URL. It is env-only.
func postgresDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return "", errors.New("migrations only apply to the postgres session backend; set WACODER_POSTGRES_DSN")
	}
	return cfg.Database.PostgresDSN, nil
}

// withMigrator opens a migrator on the session database for the duration of fn.
func withMigrator(fn func(*migrate.Migrate) error) error {
	dsn, err := postgresDSN()
	if err != nil {
		return err
	}
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

// reportVersion logs where the schema ended up after a change.
func reportVersion(m *migrate.Migrate, event string) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(event, "schema", "empty", "required", upgrade.RequiredSchemaVersion)
		return
	}
	slog.Info(event, "schema", v, "required", upgrade.RequiredSchemaVersion, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres session schema",
		Long: `Manage the schema of the postgres session backend (the kv and counters tables).

Migrations ship inside the binary. Point --migrations-dir (or WACODER_MIGRATIONS_DIR)
at a directory of *.up.sql / *.down.sql files to run a different set.
The connection string is read from WACODER_POSTGRES_DSN.`,
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "read migrations from this directory instead of the embedded set")

	cmd.AddCommand(
		migrateUpCmd(),
		migrateDownCmd(),
		migrateVersionCmd(),
		migrateForceCmd(),
		migrateGotoCmd(),
		migrateDropCmd(),
		migrateStatusCmd(),
	)
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Bring the session schema up to the version this binary needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Println("Session schema already up to date.")
					return nil
				}
				if err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
				reportVersion(m, "migrate.applied")
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the newest session schema migrations",
		Long:  "Revert migrations one step at a time. Reverting past v1 drops the session tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("revert %d step(s): %w", steps, err)
				}
				reportVersion(m, "migrate.reverted")
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "how many migrations to revert")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the session schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				switch {
				case errors.Is(err, migrate.ErrNilVersion):
					fmt.Printf("schema: none (binary requires v%d)\n", upgrade.RequiredSchemaVersion)
					return nil
				case err != nil:
					return fmt.Errorf("read schema version: %w", err)
				}
				suffix := ""
				if dirty {
					suffix = ", dirty"
				}
				fmt.Printf("schema: v%d%s (binary requires v%d)\n", v, suffix, upgrade.RequiredSchemaVersion)
				return nil
			})
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark the schema as <version> without running SQL (clears the dirty flag)",
		Long: `Record <version> as the current schema version without running any migration.
Use it after fixing a half-applied migration by hand. -1 marks the schema as empty.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version < -1 {
				return fmt.Errorf("version must be an integer >= -1, got %q", args[0])
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force schema version %d: %w", version, err)
				}
				reportVersion(m, "migrate.forced")
				return nil
			})
		},
	}
}

func migrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Move the session schema up or down to <version>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || version == 0 {
				return fmt.Errorf("version must be a positive integer, got %q", args[0])
			}
			if uint(version) > upgrade.RequiredSchemaVersion {
				return fmt.Errorf("v%d is newer than this binary knows (latest v%d)", version, upgrade.RequiredSchemaVersion)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("move schema to v%d: %w", version, err)
				}
				reportVersion(m, "migrate.moved")
				return nil
			})
		},
	}
}

func migrateDropCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table in the session database, stored conversations included",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to drop the session database without --yes")
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Drop(); err != nil {
					return fmt.Errorf("drop session tables: %w", err)
				}
				slog.Warn("migrate.dropped", "hint", "run 'wacoder migrate up' before serving again")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm that all sessions and rate-limit counters will be lost")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare the database schema with the version this binary requires",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			db, err := pg.OpenDB(dsn)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			s, err := upgrade.CheckSchema(ctx, db)
			if err != nil {
				return err
			}
			fmt.Printf("  Schema current:  v%d\n", s.CurrentVersion)
			fmt.Printf("  Schema required: v%d\n", s.RequiredVersion)
			if s.Compatible {
				fmt.Println("  Status:          UP TO DATE")
				return nil
			}
			fmt.Println()
			fmt.Print(upgrade.FormatError(s))
			return s.Err()
		},
	}
}
