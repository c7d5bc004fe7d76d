package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/token"
)

var postgresMigrations = []Migration{
	newMigration(1, `
CREATE TABLE IF NOT EXISTS connections (
    id BIGSERIAL PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    external_id TEXT UNIQUE NOT NULL,
    source_type TEXT NOT NULL,
    config_json TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tables (
    id BIGSERIAL PRIMARY KEY,
    connection_id BIGINT NOT NULL REFERENCES connections(id),
    schema_name TEXT NOT NULL,
    table_name TEXT NOT NULL,
    parquet_path TEXT,
    last_sync TIMESTAMPTZ,
    arrow_schema_json TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (connection_id, schema_name, table_name)
);`),
	newMigration(2, `
CREATE TABLE IF NOT EXISTS pending_deletions (
    id BIGSERIAL PRIMARY KEY,
    path TEXT NOT NULL,
    delete_after TIMESTAMPTZ NOT NULL
);`),
	newMigration(3, `
CREATE TABLE IF NOT EXISTS secrets (
    name TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    provider_ref TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`),
	newMigration(4, `
CREATE TABLE IF NOT EXISTS encrypted_secret_values (
    name TEXT PRIMARY KEY,
    ciphertext BYTEA NOT NULL
);`),
}

// pgPool is the subset of *pgxpool.Pool the catalog uses. pgxmock pools
// satisfy it in tests.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresCatalog is the shared-deployment catalog backend over pgx.
type PostgresCatalog struct {
	pool pgPool
}

var _ rivetdb.Catalog = (*PostgresCatalog)(nil)

// NewPostgresCatalog connects a pool to the given connection string.
func NewPostgresCatalog(ctx context.Context, connString string, maxConns int) (*PostgresCatalog, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse catalog connection string: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create catalog pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	return &PostgresCatalog{pool: pool}, nil
}

// NewPostgresCatalogFromPool wraps an existing pool; used by tests.
func NewPostgresCatalogFromPool(pool pgPool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ============================================================================
// Migrations
// ============================================================================

func (c *PostgresCatalog) Migrations() []Migration {
	return postgresMigrations
}

func (c *PostgresCatalog) EnsureMigrationsTable(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    hash TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) AppliedMigrations(ctx context.Context) (map[int64]string, error) {
	rows, err := c.pool.Query(ctx, "SELECT version, hash FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var version int64
		var hash string
		if err := rows.Scan(&version, &hash); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		applied[version] = hash
	}
	return applied, rows.Err()
}

func (c *PostgresCatalog) ApplyMigration(ctx context.Context, m Migration) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("apply migration v%d: %w", m.Version, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, hash, applied_at) VALUES ($1, $2, $3)",
		m.Version, m.Hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit(ctx)
}

func (c *PostgresCatalog) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, c)
}

// ============================================================================
// Connections
// ============================================================================

const pgConnectionCols = "id, name, external_id, source_type, config_json, created_at"

func (c *PostgresCatalog) AddConnection(ctx context.Context, name, sourceType, configJSON string) (*rivetdb.ConnectionInfo, error) {
	externalID := token.New()
	createdAt := time.Now().UTC()
	var id int64
	err := c.pool.QueryRow(ctx,
		"INSERT INTO connections (name, external_id, source_type, config_json, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		name, externalID, sourceType, configJSON, createdAt).Scan(&id)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, rivetdb.NewConflictError("connection %q already exists", name)
		}
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return &rivetdb.ConnectionInfo{
		ID:         id,
		ExternalID: externalID,
		Name:       name,
		SourceType: sourceType,
		ConfigJSON: configJSON,
		CreatedAt:  createdAt,
	}, nil
}

func (c *PostgresCatalog) ListConnections(ctx context.Context) ([]rivetdb.ConnectionInfo, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT "+pgConnectionCols+" FROM connections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var connections []rivetdb.ConnectionInfo
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		connections = append(connections, *conn)
	}
	return connections, rows.Err()
}

func (c *PostgresCatalog) getConnectionWhere(ctx context.Context, where string, arg any) (*rivetdb.ConnectionInfo, error) {
	row := c.pool.QueryRow(ctx,
		"SELECT "+pgConnectionCols+" FROM connections WHERE "+where, arg)
	conn, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (c *PostgresCatalog) GetConnection(ctx context.Context, name string) (*rivetdb.ConnectionInfo, error) {
	return c.getConnectionWhere(ctx, "name = $1", name)
}

func (c *PostgresCatalog) GetConnectionByID(ctx context.Context, id int64) (*rivetdb.ConnectionInfo, error) {
	return c.getConnectionWhere(ctx, "id = $1", id)
}

func (c *PostgresCatalog) GetConnectionByExternalID(ctx context.Context, externalID string) (*rivetdb.ConnectionInfo, error) {
	return c.getConnectionWhere(ctx, "external_id = $1", externalID)
}

func (c *PostgresCatalog) DeleteConnection(ctx context.Context, name string) error {
	conn, err := c.GetConnection(ctx, name)
	if err != nil {
		return err
	}
	if conn == nil {
		return rivetdb.NewNotFoundError("connection %q not found", name)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete connection: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM tables WHERE connection_id = $1", conn.ID); err != nil {
		return fmt.Errorf("delete connection tables: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM connections WHERE id = $1", conn.ID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return tx.Commit(ctx)
}

// ============================================================================
// Tables
// ============================================================================

const pgTableCols = "id, connection_id, schema_name, table_name, parquet_path, last_sync, arrow_schema_json"

func (c *PostgresCatalog) AddTable(ctx context.Context, connectionID int64, schemaName, tableName, arrowSchemaJSON string) (int64, error) {
	var id int64
	err := c.pool.QueryRow(ctx, `
INSERT INTO tables (connection_id, schema_name, table_name, arrow_schema_json, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (connection_id, schema_name, table_name)
DO UPDATE SET arrow_schema_json = excluded.arrow_schema_json
RETURNING id`,
		connectionID, schemaName, tableName, arrowSchemaJSON, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert table: %w", err)
	}
	return id, nil
}

func (c *PostgresCatalog) ListTables(ctx context.Context, connectionID *int64) ([]rivetdb.TableInfo, error) {
	var rows pgx.Rows
	var err error
	if connectionID != nil {
		rows, err = c.pool.Query(ctx,
			"SELECT "+pgTableCols+" FROM tables WHERE connection_id = $1 ORDER BY schema_name, table_name",
			*connectionID)
	} else {
		rows, err = c.pool.Query(ctx,
			"SELECT "+pgTableCols+" FROM tables ORDER BY schema_name, table_name")
	}
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []rivetdb.TableInfo
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, *t)
	}
	return tables, rows.Err()
}

func (c *PostgresCatalog) GetTable(ctx context.Context, connectionID int64, schemaName, tableName string) (*rivetdb.TableInfo, error) {
	row := c.pool.QueryRow(ctx,
		"SELECT "+pgTableCols+" FROM tables WHERE connection_id = $1 AND schema_name = $2 AND table_name = $3",
		connectionID, schemaName, tableName)
	t, err := scanTable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get table: %w", err)
	}
	return t, nil
}

func (c *PostgresCatalog) UpdateTableSync(ctx context.Context, tableID int64, parquetPath string) error {
	_, err := c.pool.Exec(ctx,
		"UPDATE tables SET parquet_path = $1, last_sync = $2 WHERE id = $3",
		parquetPath, time.Now().UTC(), tableID)
	if err != nil {
		return fmt.Errorf("update table sync: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) ClearTableCacheMetadata(ctx context.Context, connectionID int64, schemaName, tableName string) (*rivetdb.TableInfo, error) {
	t, err := c.GetTable(ctx, connectionID, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, rivetdb.NewNotFoundError("table %s.%s not found", schemaName, tableName)
	}
	_, err = c.pool.Exec(ctx,
		"UPDATE tables SET parquet_path = NULL, last_sync = NULL WHERE id = $1", t.ID)
	if err != nil {
		return nil, fmt.Errorf("clear table cache metadata: %w", err)
	}
	return t, nil
}

func (c *PostgresCatalog) ClearConnectionCacheMetadata(ctx context.Context, name string) error {
	conn, err := c.GetConnection(ctx, name)
	if err != nil {
		return err
	}
	if conn == nil {
		return rivetdb.NewNotFoundError("connection %q not found", name)
	}
	_, err = c.pool.Exec(ctx,
		"UPDATE tables SET parquet_path = NULL, last_sync = NULL WHERE connection_id = $1", conn.ID)
	if err != nil {
		return fmt.Errorf("clear connection cache metadata: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) DeleteStaleTables(ctx context.Context, connectionID int64, current []rivetdb.TableKey) ([]rivetdb.TableInfo, error) {
	keep := make(map[rivetdb.TableKey]bool, len(current))
	for _, k := range current {
		keep[k] = true
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delete stale tables: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		"SELECT "+pgTableCols+" FROM tables WHERE connection_id = $1", connectionID)
	if err != nil {
		return nil, fmt.Errorf("list tables for staleness: %w", err)
	}
	var stale []rivetdb.TableInfo
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if !keep[rivetdb.TableKey{SchemaName: t.SchemaName, TableName: t.TableName}] {
			stale = append(stale, *t)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range stale {
		if _, err := tx.Exec(ctx, "DELETE FROM tables WHERE id = $1", t.ID); err != nil {
			return nil, fmt.Errorf("delete stale table %s.%s: %w", t.SchemaName, t.TableName, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stale, nil
}

// ============================================================================
// Secrets
// ============================================================================

const pgSecretCols = "name, provider, provider_ref, status, created_at, updated_at"

func (c *PostgresCatalog) GetSecretMetadata(ctx context.Context, name string) (*rivetdb.SecretMetadata, error) {
	row := c.pool.QueryRow(ctx,
		"SELECT "+pgSecretCols+" FROM secrets WHERE name = $1 AND status = $2",
		name, rivetdb.SecretStatusActive)
	meta, err := scanSecret(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret metadata: %w", err)
	}
	return meta, nil
}

func (c *PostgresCatalog) GetSecretMetadataAnyStatus(ctx context.Context, name string) (*rivetdb.SecretMetadata, error) {
	row := c.pool.QueryRow(ctx,
		"SELECT "+pgSecretCols+" FROM secrets WHERE name = $1", name)
	meta, err := scanSecret(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret metadata: %w", err)
	}
	return meta, nil
}

func (c *PostgresCatalog) CreateSecretMetadata(ctx context.Context, meta rivetdb.SecretMetadata) error {
	_, err := c.pool.Exec(ctx,
		"INSERT INTO secrets (name, provider, provider_ref, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		meta.Name, meta.Provider, meta.ProviderRef, meta.Status, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return rivetdb.NewConflictError("secret %q already exists", meta.Name)
		}
		return fmt.Errorf("create secret metadata: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) UpdateSecretMetadata(ctx context.Context, meta rivetdb.SecretMetadata, lock *time.Time) (bool, error) {
	query := "UPDATE secrets SET provider = $1, provider_ref = $2, status = $3, updated_at = $4 WHERE name = $5"
	args := []any{meta.Provider, meta.ProviderRef, meta.Status, time.Now().UTC(), meta.Name}
	if lock != nil {
		query += " AND created_at = $6"
		args = append(args, *lock)
	}
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update secret metadata: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (c *PostgresCatalog) SetSecretStatus(ctx context.Context, name string, status rivetdb.SecretStatus) error {
	tag, err := c.pool.Exec(ctx,
		"UPDATE secrets SET status = $1, updated_at = $2 WHERE name = $3",
		status, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set secret status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rivetdb.NewNotFoundError("secret %q not found", name)
	}
	return nil
}

func (c *PostgresCatalog) DeleteSecretMetadata(ctx context.Context, name string) error {
	_, err := c.pool.Exec(ctx, "DELETE FROM secrets WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete secret metadata: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) GetEncryptedSecret(ctx context.Context, name string) ([]byte, error) {
	var ciphertext []byte
	err := c.pool.QueryRow(ctx,
		"SELECT ciphertext FROM encrypted_secret_values WHERE name = $1", name).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get encrypted secret: %w", err)
	}
	return ciphertext, nil
}

func (c *PostgresCatalog) PutEncryptedSecretValue(ctx context.Context, name string, ciphertext []byte) error {
	_, err := c.pool.Exec(ctx, `
INSERT INTO encrypted_secret_values (name, ciphertext) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		name, ciphertext)
	if err != nil {
		return fmt.Errorf("put encrypted secret value: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) DeleteEncryptedSecretValue(ctx context.Context, name string) error {
	_, err := c.pool.Exec(ctx, "DELETE FROM encrypted_secret_values WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete encrypted secret value: %w", err)
	}
	return nil
}

// ============================================================================
// Pending deletions
// ============================================================================

func (c *PostgresCatalog) ScheduleFileDeletion(ctx context.Context, path string, deleteAfter time.Time) error {
	_, err := c.pool.Exec(ctx,
		"INSERT INTO pending_deletions (path, delete_after) VALUES ($1, $2)",
		path, deleteAfter.UTC())
	if err != nil {
		return fmt.Errorf("schedule file deletion: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) GetDueDeletions(ctx context.Context) ([]rivetdb.PendingDeletion, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT id, path, delete_after FROM pending_deletions WHERE delete_after <= $1 ORDER BY id",
		time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("get due deletions: %w", err)
	}
	defer rows.Close()

	var due []rivetdb.PendingDeletion
	for rows.Next() {
		var d rivetdb.PendingDeletion
		if err := rows.Scan(&d.ID, &d.Path, &d.DeleteAfter); err != nil {
			return nil, fmt.Errorf("scan pending deletion: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func (c *PostgresCatalog) RemovePendingDeletion(ctx context.Context, id int64) error {
	_, err := c.pool.Exec(ctx, "DELETE FROM pending_deletions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("remove pending deletion: %w", err)
	}
	return nil
}
