// Package catalog provides the durable metadata store behind the engine:
// connections, tables, secrets and pending deletions, with a hashed
// migration engine serializing schema changes.
//
// Migration SQL is compiled into the binary and hashed with SHA-256. When a
// migration version already exists in the database, its stored hash must
// equal the compiled hash; a mismatch aborts startup so that a database
// created by different code is never silently reused.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/hotdata-dev/rivetdb"
)

// Migration is a (version, sql) pair with its compile-time hash.
type Migration struct {
	Version int64
	SQL     string
	Hash    string
}

func newMigration(version int64, sql string) Migration {
	sum := sha256.Sum256([]byte(sql))
	return Migration{Version: version, SQL: sql, Hash: hex.EncodeToString(sum[:])}
}

// migrationBackend abstracts the database-specific pieces of the migration
// driver. Each catalog backend supplies its migration list, the tracking
// table DDL, and transactional application.
type migrationBackend interface {
	Migrations() []Migration
	EnsureMigrationsTable(ctx context.Context) error
	// AppliedMigrations returns applied version -> stored hash.
	AppliedMigrations(ctx context.Context) (map[int64]string, error)
	// ApplyMigration runs m.SQL and records (m.Version, m.Hash) in a single
	// transaction.
	ApplyMigration(ctx context.Context, m Migration) error
}

// runMigrations drives a backend through the verify-then-apply protocol.
// It is idempotent: a second call with no pending migrations is a no-op.
func runMigrations(ctx context.Context, b migrationBackend) error {
	if err := b.EnsureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := b.AppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var maxApplied int64
	for version := range applied {
		if version > maxApplied {
			maxApplied = version
		}
	}

	migrations := b.Migrations()
	for _, m := range migrations {
		if storedHash, ok := applied[m.Version]; ok {
			if storedHash != m.Hash {
				return &rivetdb.MigrationHashMismatchError{
					Version:      m.Version,
					CompiledHash: m.Hash,
					StoredHash:   storedHash,
				}
			}
		} else if m.Version < maxApplied {
			return &rivetdb.MissingMigrationError{Version: m.Version, MaxApplied: maxApplied}
		}
	}

	for _, m := range migrations {
		if m.Version > maxApplied {
			if err := b.ApplyMigration(ctx, m); err != nil {
				return err
			}
		}
	}

	return nil
}
