// Package upgrade checks that the Postgres schema matches this binary.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the newest migration under internal/store/pg/migrations.
const RequiredSchemaVersion uint = 1

// SchemaStatus represents the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// CheckSchema reads golang-migrate's schema_migrations table and compares it
// against RequiredSchemaVersion. A missing table means a fresh database.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}

	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").
		Scan(&s.CurrentVersion, &s.Dirty)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("check schema: %w", err)
		}
		s.NeedsMigration = true
		return s, nil
	}

	switch {
	case s.Dirty:
	case s.CurrentVersion == RequiredSchemaVersion:
		s.Compatible = true
	case s.CurrentVersion < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// Err returns the sentinel matching s, or nil when compatible.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Compatible:
		return nil
	case s.Dirty:
		return ErrSchemaDirty
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	default:
		return ErrSchemaOutdated
	}
}

// FormatError returns an operator-facing explanation for s.
func FormatError(s *SchemaStatus) string {
	if s.Dirty {
		return fmt.Sprintf(
			"Database schema is in a dirty state (version %d).\n"+
				"This usually means a migration failed partway.\n\n"+
				"  Fix:  wacoder migrate force %d\n"+
				"  Then: wacoder migrate up\n",
			s.CurrentVersion, max(int(s.CurrentVersion)-1, 0),
		)
	}
	if s.CurrentVersion > s.RequiredVersion {
		return fmt.Sprintf(
			"Database schema (v%d) is newer than this binary (requires v%d).\n"+
				"  Fix: upgrade the wacoder binary.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
	return fmt.Sprintf(
		"Database schema is outdated: current v%d, required v%d.\n\n"+
			"  Run: wacoder migrate up\n"+
			"  Or set sessions.auto_migrate=true to migrate on startup.\n",
		s.CurrentVersion, s.RequiredVersion,
	)
}
