package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/token"
)

var sqliteMigrations = []Migration{
	newMigration(1, `
CREATE TABLE IF NOT EXISTS connections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    external_id TEXT UNIQUE NOT NULL,
    source_type TEXT NOT NULL,
    config_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS tables (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    connection_id INTEGER NOT NULL,
    schema_name TEXT NOT NULL,
    table_name TEXT NOT NULL,
    parquet_path TEXT,
    last_sync TIMESTAMP,
    arrow_schema_json TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (connection_id) REFERENCES connections(id),
    UNIQUE (connection_id, schema_name, table_name)
);`),
	newMigration(2, `
CREATE TABLE IF NOT EXISTS pending_deletions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    delete_after TIMESTAMP NOT NULL
);`),
	newMigration(3, `
CREATE TABLE IF NOT EXISTS secrets (
    name TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    provider_ref TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`),
	newMigration(4, `
CREATE TABLE IF NOT EXISTS encrypted_secret_values (
    name TEXT PRIMARY KEY,
    ciphertext BLOB NOT NULL
);`),
}

// SqliteCatalog is the single-node catalog backend over a local SQLite file.
type SqliteCatalog struct {
	db   *sql.DB
	path string
}

var _ rivetdb.Catalog = (*SqliteCatalog)(nil)

// NewSqliteCatalog opens (creating if needed) the catalog database at path.
func NewSqliteCatalog(path string) (*SqliteCatalog, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite catalog: %w", err)
	}
	// SQLite writes are single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite catalog: %w", err)
	}
	return &SqliteCatalog{db: db, path: path}, nil
}

func (c *SqliteCatalog) Close() error {
	return c.db.Close()
}

// ============================================================================
// Migrations
// ============================================================================

func (c *SqliteCatalog) Migrations() []Migration {
	return sqliteMigrations
}

func (c *SqliteCatalog) EnsureMigrationsTable(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    hash TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) AppliedMigrations(ctx context.Context) (map[int64]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version, hash FROM schema_migrations")
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

func (c *SqliteCatalog) ApplyMigration(ctx context.Context, m Migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("apply migration v%d: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, hash, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

func (c *SqliteCatalog) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, c)
}

// ============================================================================
// Connections
// ============================================================================

const sqliteConnectionCols = "id, name, external_id, source_type, config_json, created_at"

func scanConnection(row interface{ Scan(...any) error }) (*rivetdb.ConnectionInfo, error) {
	var conn rivetdb.ConnectionInfo
	err := row.Scan(&conn.ID, &conn.Name, &conn.ExternalID, &conn.SourceType, &conn.ConfigJSON, &conn.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *SqliteCatalog) AddConnection(ctx context.Context, name, sourceType, configJSON string) (*rivetdb.ConnectionInfo, error) {
	externalID := token.New()
	createdAt := time.Now().UTC()
	res, err := c.db.ExecContext(ctx,
		"INSERT INTO connections (name, external_id, source_type, config_json, created_at) VALUES (?, ?, ?, ?, ?)",
		name, externalID, sourceType, configJSON, createdAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, rivetdb.NewConflictError("connection %q already exists", name)
		}
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("connection id: %w", err)
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

func (c *SqliteCatalog) ListConnections(ctx context.Context) ([]rivetdb.ConnectionInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+sqliteConnectionCols+" FROM connections ORDER BY name")
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

func (c *SqliteCatalog) getConnectionWhere(ctx context.Context, where string, arg any) (*rivetdb.ConnectionInfo, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+sqliteConnectionCols+" FROM connections WHERE "+where, arg)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (c *SqliteCatalog) GetConnection(ctx context.Context, name string) (*rivetdb.ConnectionInfo, error) {
	return c.getConnectionWhere(ctx, "name = ?", name)
}

func (c *SqliteCatalog) GetConnectionByID(ctx context.Context, id int64) (*rivetdb.ConnectionInfo, error) {
	return c.getConnectionWhere(ctx, "id = ?", id)
}

func (c *SqliteCatalog) GetConnectionByExternalID(ctx context.Context, externalID string) (*rivetdb.ConnectionInfo, error) {
	return c.getConnectionWhere(ctx, "external_id = ?", externalID)
}

func (c *SqliteCatalog) DeleteConnection(ctx context.Context, name string) error {
	conn, err := c.GetConnection(ctx, name)
	if err != nil {
		return err
	}
	if conn == nil {
		return rivetdb.NewNotFoundError("connection %q not found", name)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete connection: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tables WHERE connection_id = ?", conn.ID); err != nil {
		return fmt.Errorf("delete connection tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", conn.ID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return tx.Commit()
}

// ============================================================================
// Tables
// ============================================================================

const sqliteTableCols = "id, connection_id, schema_name, table_name, parquet_path, last_sync, arrow_schema_json"

func scanTable(row interface{ Scan(...any) error }) (*rivetdb.TableInfo, error) {
	var t rivetdb.TableInfo
	var parquetPath sql.NullString
	var lastSync sql.NullTime
	err := row.Scan(&t.ID, &t.ConnectionID, &t.SchemaName, &t.TableName, &parquetPath, &lastSync, &t.ArrowSchemaJSON)
	if err != nil {
		return nil, err
	}
	if parquetPath.Valid {
		t.ParquetPath = &parquetPath.String
	}
	if lastSync.Valid {
		ts := lastSync.Time
		t.LastSync = &ts
	}
	return &t, nil
}

func (c *SqliteCatalog) AddTable(ctx context.Context, connectionID int64, schemaName, tableName, arrowSchemaJSON string) (int64, error) {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO tables (connection_id, schema_name, table_name, arrow_schema_json, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (connection_id, schema_name, table_name)
DO UPDATE SET arrow_schema_json = excluded.arrow_schema_json`,
		connectionID, schemaName, tableName, arrowSchemaJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("upsert table: %w", err)
	}

	var id int64
	err = c.db.QueryRowContext(ctx,
		"SELECT id FROM tables WHERE connection_id = ? AND schema_name = ? AND table_name = ?",
		connectionID, schemaName, tableName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select table id: %w", err)
	}
	return id, nil
}

func (c *SqliteCatalog) ListTables(ctx context.Context, connectionID *int64) ([]rivetdb.TableInfo, error) {
	var rows *sql.Rows
	var err error
	if connectionID != nil {
		rows, err = c.db.QueryContext(ctx,
			"SELECT "+sqliteTableCols+" FROM tables WHERE connection_id = ? ORDER BY schema_name, table_name",
			*connectionID)
	} else {
		rows, err = c.db.QueryContext(ctx,
			"SELECT "+sqliteTableCols+" FROM tables ORDER BY schema_name, table_name")
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

func (c *SqliteCatalog) GetTable(ctx context.Context, connectionID int64, schemaName, tableName string) (*rivetdb.TableInfo, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+sqliteTableCols+" FROM tables WHERE connection_id = ? AND schema_name = ? AND table_name = ?",
		connectionID, schemaName, tableName)
	t, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get table: %w", err)
	}
	return t, nil
}

func (c *SqliteCatalog) UpdateTableSync(ctx context.Context, tableID int64, parquetPath string) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE tables SET parquet_path = ?, last_sync = ? WHERE id = ?",
		parquetPath, time.Now().UTC(), tableID)
	if err != nil {
		return fmt.Errorf("update table sync: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) ClearTableCacheMetadata(ctx context.Context, connectionID int64, schemaName, tableName string) (*rivetdb.TableInfo, error) {
	t, err := c.GetTable(ctx, connectionID, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, rivetdb.NewNotFoundError("table %s.%s not found", schemaName, tableName)
	}
	_, err = c.db.ExecContext(ctx,
		"UPDATE tables SET parquet_path = NULL, last_sync = NULL WHERE id = ?", t.ID)
	if err != nil {
		return nil, fmt.Errorf("clear table cache metadata: %w", err)
	}
	return t, nil
}

func (c *SqliteCatalog) ClearConnectionCacheMetadata(ctx context.Context, name string) error {
	conn, err := c.GetConnection(ctx, name)
	if err != nil {
		return err
	}
	if conn == nil {
		return rivetdb.NewNotFoundError("connection %q not found", name)
	}
	_, err = c.db.ExecContext(ctx,
		"UPDATE tables SET parquet_path = NULL, last_sync = NULL WHERE connection_id = ?", conn.ID)
	if err != nil {
		return fmt.Errorf("clear connection cache metadata: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) DeleteStaleTables(ctx context.Context, connectionID int64, current []rivetdb.TableKey) ([]rivetdb.TableInfo, error) {
	keep := make(map[rivetdb.TableKey]bool, len(current))
	for _, k := range current {
		keep[k] = true
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete stale tables: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+sqliteTableCols+" FROM tables WHERE connection_id = ?", connectionID)
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
		if _, err := tx.ExecContext(ctx, "DELETE FROM tables WHERE id = ?", t.ID); err != nil {
			return nil, fmt.Errorf("delete stale table %s.%s: %w", t.SchemaName, t.TableName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stale, nil
}

// ============================================================================
// Secrets
// ============================================================================

const sqliteSecretCols = "name, provider, provider_ref, status, created_at, updated_at"

func scanSecret(row interface{ Scan(...any) error }) (*rivetdb.SecretMetadata, error) {
	var meta rivetdb.SecretMetadata
	var providerRef sql.NullString
	err := row.Scan(&meta.Name, &meta.Provider, &providerRef, &meta.Status, &meta.CreatedAt, &meta.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if providerRef.Valid {
		meta.ProviderRef = &providerRef.String
	}
	return &meta, nil
}

func (c *SqliteCatalog) GetSecretMetadata(ctx context.Context, name string) (*rivetdb.SecretMetadata, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+sqliteSecretCols+" FROM secrets WHERE name = ? AND status = ?",
		name, rivetdb.SecretStatusActive)
	meta, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret metadata: %w", err)
	}
	return meta, nil
}

func (c *SqliteCatalog) GetSecretMetadataAnyStatus(ctx context.Context, name string) (*rivetdb.SecretMetadata, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+sqliteSecretCols+" FROM secrets WHERE name = ?", name)
	meta, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret metadata: %w", err)
	}
	return meta, nil
}

func (c *SqliteCatalog) CreateSecretMetadata(ctx context.Context, meta rivetdb.SecretMetadata) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO secrets (name, provider, provider_ref, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		meta.Name, meta.Provider, meta.ProviderRef, meta.Status, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return rivetdb.NewConflictError("secret %q already exists", meta.Name)
		}
		return fmt.Errorf("create secret metadata: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) UpdateSecretMetadata(ctx context.Context, meta rivetdb.SecretMetadata, lock *time.Time) (bool, error) {
	query := "UPDATE secrets SET provider = ?, provider_ref = ?, status = ?, updated_at = ? WHERE name = ?"
	args := []any{meta.Provider, meta.ProviderRef, meta.Status, time.Now().UTC(), meta.Name}
	if lock != nil {
		query += " AND created_at = ?"
		args = append(args, *lock)
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update secret metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *SqliteCatalog) SetSecretStatus(ctx context.Context, name string, status rivetdb.SecretStatus) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE secrets SET status = ?, updated_at = ? WHERE name = ?",
		status, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set secret status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return rivetdb.NewNotFoundError("secret %q not found", name)
	}
	return nil
}

func (c *SqliteCatalog) DeleteSecretMetadata(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM secrets WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete secret metadata: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) GetEncryptedSecret(ctx context.Context, name string) ([]byte, error) {
	var ciphertext []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT ciphertext FROM encrypted_secret_values WHERE name = ?", name).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get encrypted secret: %w", err)
	}
	return ciphertext, nil
}

func (c *SqliteCatalog) PutEncryptedSecretValue(ctx context.Context, name string, ciphertext []byte) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO encrypted_secret_values (name, ciphertext) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		name, ciphertext)
	if err != nil {
		return fmt.Errorf("put encrypted secret value: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) DeleteEncryptedSecretValue(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM encrypted_secret_values WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete encrypted secret value: %w", err)
	}
	return nil
}

// ============================================================================
// Pending deletions
// ============================================================================

func (c *SqliteCatalog) ScheduleFileDeletion(ctx context.Context, path string, deleteAfter time.Time) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO pending_deletions (path, delete_after) VALUES (?, ?)",
		path, deleteAfter.UTC())
	if err != nil {
		return fmt.Errorf("schedule file deletion: %w", err)
	}
	return nil
}

func (c *SqliteCatalog) GetDueDeletions(ctx context.Context) ([]rivetdb.PendingDeletion, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, path, delete_after FROM pending_deletions WHERE delete_after <= ? ORDER BY id",
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

func (c *SqliteCatalog) RemovePendingDeletion(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM pending_deletions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove pending deletion: %w", err)
	}
	return nil
}
