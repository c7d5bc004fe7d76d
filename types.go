package rivetdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// ConnectionInfo is a catalog record for a registered upstream source.
type ConnectionInfo struct {
	ID         int64     `json:"-"`
	ExternalID string    `json:"id"`
	Name       string    `json:"name"`
	SourceType string    `json:"source_type"`
	ConfigJSON string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableInfo is a catalog record for a discovered upstream table and its
// cache state. ParquetPath, when non-nil, is the directory URL of the
// active snapshot.
type TableInfo struct {
	ID              int64      `json:"-"`
	ConnectionID    int64      `json:"-"`
	SchemaName      string     `json:"schema_name"`
	TableName       string     `json:"table_name"`
	ParquetPath     *string    `json:"parquet_path,omitempty"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
	ArrowSchemaJSON string     `json:"-"`
}

// TableKey identifies a table within one connection.
type TableKey struct {
	SchemaName string
	TableName  string
}

// PendingDeletion is a cache directory scheduled for physical removal once
// DeleteAfter has elapsed.
type PendingDeletion struct {
	ID          int64
	Path        string
	DeleteAfter time.Time
}

// SecretStatus is the lifecycle state of a stored secret.
type SecretStatus string

const (
	SecretStatusActive   SecretStatus = "active"
	SecretStatusDisabled SecretStatus = "disabled"
)

// SecretMetadata describes a stored secret without its value.
type SecretMetadata struct {
	Name        string       `json:"name"`
	Provider    string       `json:"provider"`
	ProviderRef *string      `json:"provider_ref,omitempty"`
	Status      SecretStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ColumnMetadata is one column of a discovered upstream table, already
// mapped into the Arrow type system.
type ColumnMetadata struct {
	Name            string
	Type            arrow.DataType
	Nullable        bool
	OrdinalPosition int
}

// TableMetadata is one table returned by source discovery.
type TableMetadata struct {
	CatalogName *string
	SchemaName  string
	TableName   string
	TableType   string
	Columns     []ColumnMetadata
}

// Catalog is the durable metadata store for connections, tables, secrets
// and pending deletions. Implementations are selected at construction
// (SQLite for single-node, PostgreSQL for shared deployments).
type Catalog interface {
	RunMigrations(ctx context.Context) error
	Close() error

	AddConnection(ctx context.Context, name, sourceType, configJSON string) (*ConnectionInfo, error)
	ListConnections(ctx context.Context) ([]ConnectionInfo, error)
	GetConnection(ctx context.Context, name string) (*ConnectionInfo, error)
	GetConnectionByID(ctx context.Context, id int64) (*ConnectionInfo, error)
	GetConnectionByExternalID(ctx context.Context, externalID string) (*ConnectionInfo, error)
	DeleteConnection(ctx context.Context, name string) error

	AddTable(ctx context.Context, connectionID int64, schemaName, tableName, arrowSchemaJSON string) (int64, error)
	ListTables(ctx context.Context, connectionID *int64) ([]TableInfo, error)
	GetTable(ctx context.Context, connectionID int64, schemaName, tableName string) (*TableInfo, error)
	UpdateTableSync(ctx context.Context, tableID int64, parquetPath string) error
	ClearTableCacheMetadata(ctx context.Context, connectionID int64, schemaName, tableName string) (*TableInfo, error)
	ClearConnectionCacheMetadata(ctx context.Context, name string) error
	DeleteStaleTables(ctx context.Context, connectionID int64, current []TableKey) ([]TableInfo, error)

	GetSecretMetadata(ctx context.Context, name string) (*SecretMetadata, error)
	GetSecretMetadataAnyStatus(ctx context.Context, name string) (*SecretMetadata, error)
	CreateSecretMetadata(ctx context.Context, meta SecretMetadata) error
	// UpdateSecretMetadata applies meta under an optimistic lock: when lock is
	// non-nil the update succeeds only if the stored created_at still equals it.
	UpdateSecretMetadata(ctx context.Context, meta SecretMetadata, lock *time.Time) (bool, error)
	SetSecretStatus(ctx context.Context, name string, status SecretStatus) error
	DeleteSecretMetadata(ctx context.Context, name string) error
	GetEncryptedSecret(ctx context.Context, name string) ([]byte, error)
	PutEncryptedSecretValue(ctx context.Context, name string, ciphertext []byte) error
	DeleteEncryptedSecretValue(ctx context.Context, name string) error

	ScheduleFileDeletion(ctx context.Context, path string, deleteAfter time.Time) error
	GetDueDeletions(ctx context.Context) ([]PendingDeletion, error)
	RemovePendingDeletion(ctx context.Context, id int64) error
}

// StorageManager abstracts the cache file backend (local filesystem or an
// S3-compatible object store). Cache URLs are directory URLs; snapshots live
// in version subdirectories holding exactly one data.parquet file.
type StorageManager interface {
	// CacheURL returns the table directory URL (no version component).
	CacheURL(connectionID int64, schema, table string) string
	// PrepareVersionedCacheWrite returns a fresh local staging path of the
	// form {staging}/{conn}/{schema}/{table}/{version}/data.parquet. No files
	// are created.
	PrepareVersionedCacheWrite(connectionID int64, schema, table string) string
	// FinalizeCacheWrite makes the staged file durable and returns the
	// version-directory URL to record in the catalog. The version token is
	// extracted from localPath and preserved in the returned URL.
	FinalizeCacheWrite(ctx context.Context, localPath string, connectionID int64, schema, table string) (string, error)

	// Result artifacts use the same versioned protocol under a dedicated
	// namespace keyed by result id.
	ResultURL(resultID string) string
	PrepareResultWrite(resultID string) string
	FinalizeResultWrite(ctx context.Context, localPath, resultID string) (string, error)

	Read(ctx context.Context, url string) ([]byte, error)
	Write(ctx context.Context, url string, data []byte) error
	Delete(ctx context.Context, url string) error
	DeletePrefix(ctx context.Context, url string) error
	Exists(ctx context.Context, url string) (bool, error)

	// RegisterWithEngine configures a DuckDB session so that this backend's
	// URLs resolve inside read_parquet scans.
	RegisterWithEngine(ctx context.Context, db *sql.DB) error
}

// BatchWriter consumes Arrow record batches. StreamingParquetWriter is the
// production implementation; fetchers must stream into it without buffering
// whole tables.
type BatchWriter interface {
	Write(rec arrow.Record) error
}

// SecretResolver returns the plaintext bytes of an active secret.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
}

// DataFetcher talks to upstream sources: discovery of table metadata and
// streaming one table's rows as Arrow batches.
type DataFetcher interface {
	DiscoverTables(ctx context.Context, source *Source) ([]TableMetadata, error)
	FetchTable(ctx context.Context, source *Source, catalogName *string, schema, table string, w BatchWriter) error
}

// QueryResult is the response shape shared by POST /query and
// GET /results/{id}. ResultID is nil when persistence failed; the rows are
// returned regardless.
type QueryResult struct {
	ResultID *string  `json:"result_id"`
	Warning  string   `json:"warning,omitempty"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

// RefreshRequest selects what to refresh. ConnectionID accepts either the
// external id returned by POST /connections or the connection name.
type RefreshRequest struct {
	ConnectionID string `json:"connection_id,omitempty"`
	SchemaName   string `json:"schema_name,omitempty"`
	TableName    string `json:"table_name,omitempty"`
	Data         bool   `json:"data,omitempty"`
}

// TableRefreshResult reports one completed data refresh.
type TableRefreshResult struct {
	SchemaName string `json:"schema_name"`
	TableName  string `json:"table_name"`
	DurationMs int64  `json:"duration_ms"`
}

// RefreshSummary aggregates a refresh run.
type RefreshSummary struct {
	ConnectionsRefreshed int                  `json:"connections_refreshed"`
	TablesDiscovered     int                  `json:"tables_discovered"`
	TablesAdded          int                  `json:"tables_added"`
	TablesRemoved        int                  `json:"tables_removed"`
	DataRefreshes        []TableRefreshResult `json:"data_refreshes,omitempty"`
}

// QueryEngine is the surface the HTTP layer consumes.
type QueryEngine interface {
	Query(ctx context.Context, sqlText string) (*QueryResult, error)
	GetResult(ctx context.Context, resultID string) (*QueryResult, error)
	CreateConnection(ctx context.Context, name, sourceType string, config []byte) (*ConnectionInfo, error)
	ListConnections(ctx context.Context) ([]ConnectionInfo, error)
	DeleteConnection(ctx context.Context, name string) error
	ListTables(ctx context.Context) ([]TableInfo, error)
	Refresh(ctx context.Context, req RefreshRequest) (*RefreshSummary, error)
}
