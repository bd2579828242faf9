package upgrade

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setVersion(t *testing.T, db *sql.DB, version int, dirty bool) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT NOT NULL, dirty BOOLEAN NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM schema_migrations`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty)
	require.NoError(t, err)
}

func TestCheckSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t)

	s, err := CheckSchema(ctx, db)
	require.NoError(t, err)
	assert.True(t, s.NeedsMigration, "fresh database")
	assert.ErrorIs(t, s.Err(), ErrSchemaOutdated)

	setVersion(t, db, int(RequiredSchemaVersion), false)
	s, err = CheckSchema(ctx, db)
	require.NoError(t, err)
	assert.True(t, s.Compatible)
	assert.NoError(t, s.Err())

	setVersion(t, db, int(RequiredSchemaVersion), true)
	s, err = CheckSchema(ctx, db)
	require.NoError(t, err)
	assert.False(t, s.Compatible)
	assert.ErrorIs(t, s.Err(), ErrSchemaDirty)
	assert.Contains(t, FormatError(s), "migrate force")

	setVersion(t, db, int(RequiredSchemaVersion)+1, false)
	s, err = CheckSchema(ctx, db)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Err(), ErrSchemaAhead)
	assert.Contains(t, FormatError(s), "newer than this binary")
}
