package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdata-dev/rivetdb"
)

func TestRunMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := NewSqliteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx))

	applied, err := c.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, len(sqliteMigrations))
}

func TestMigrationVersionsAreContiguous(t *testing.T) {
	for backend, migrations := range map[string][]Migration{
		"sqlite":   sqliteMigrations,
		"postgres": postgresMigrations,
	} {
		for i, m := range migrations {
			assert.Equal(t, int64(i+1), m.Version, "%s migration %d", backend, i)
			assert.Len(t, m.Hash, 64, "%s migration %d hash", backend, i)
		}
	}
}

func TestMigrationHashMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	c, err := NewSqliteCatalog(dbPath)
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))

	// Tamper with the stored hash of v1, as if the compiled SQL changed.
	_, err = c.db.ExecContext(ctx, "UPDATE schema_migrations SET hash = 'deadbeef' WHERE version = 1")
	require.NoError(t, err)

	err = c.RunMigrations(ctx)
	var mismatch *rivetdb.MigrationHashMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, int64(1), mismatch.Version)
	assert.Equal(t, "deadbeef", mismatch.StoredHash)
	assert.Equal(t, sqliteMigrations[0].Hash, mismatch.CompiledHash)
	assert.Contains(t, err.Error(), "deadbeef")
	assert.Contains(t, err.Error(), sqliteMigrations[0].Hash)
	c.Close()

	// Recreating the database clears the condition.
	fresh, err := NewSqliteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, fresh.RunMigrations(ctx))
}

func TestMissingIntermediateMigrationIsFatal(t *testing.T) {
	ctx := context.Background()
	c, err := NewSqliteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.RunMigrations(ctx))

	// Remove an intermediate version to fabricate a gap.
	_, err = c.db.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = 2")
	require.NoError(t, err)

	err = c.RunMigrations(ctx)
	var missing *rivetdb.MissingMigrationError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, int64(2), missing.Version)
	assert.Equal(t, int64(len(sqliteMigrations)), missing.MaxApplied)
}

func TestMigrationHashesDifferAcrossVersions(t *testing.T) {
	seen := make(map[string]int64)
	for _, m := range sqliteMigrations {
		if prev, ok := seen[m.Hash]; ok {
			t.Fatalf("migrations v%d and v%d share a hash", prev, m.Version)
		}
		seen[m.Hash] = m.Version
	}
}
