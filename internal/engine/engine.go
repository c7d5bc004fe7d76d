// Package engine composes the catalog, storage manager and fetchers into
// the query-serving cache: it plans SQL over the current snapshot set,
// refreshes tables from upstream sources, persists query results, and
// garbage-collects replaced snapshots.
package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/fetch"
	"github.com/hotdata-dev/rivetdb/internal/secret"
)

// Options wires an Engine. Catalog and Storage are required; the rest
// default sensibly.
type Options struct {
	Catalog        rivetdb.Catalog
	Storage        rivetdb.StorageManager
	Fetcher        rivetdb.DataFetcher
	Secrets        *secret.Manager
	Logger         *zap.Logger
	DeletionGrace  time.Duration
	ReaperInterval time.Duration
}

// Engine is the query-serving cache. One in-memory DuckDB instance hosts
// all query execution; every cataloged table with an active snapshot is
// exposed to it as a view over the snapshot's version directory.
type Engine struct {
	catalog rivetdb.Catalog
	storage rivetdb.StorageManager
	fetcher rivetdb.DataFetcher
	secrets *secret.Manager
	logger  *zap.Logger

	grace          time.Duration
	reaperInterval time.Duration

	connector *duckdb.Connector
	db        *sql.DB
	arrowConn driver.Conn
	arrow     *duckdb.Arrow
	// arrowMu serializes use of the dedicated Arrow connection.
	arrowMu sync.Mutex
}

var _ rivetdb.QueryEngine = (*Engine)(nil)

// New builds an Engine and prepares its DuckDB session.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Catalog == nil || opts.Storage == nil {
		return nil, fmt.Errorf("engine requires a catalog and a storage manager")
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Secrets == nil {
		mgr, err := secret.NewManager(opts.Catalog, "")
		if err != nil {
			return nil, err
		}
		opts.Secrets = mgr
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.NewNativeFetcher(opts.Secrets)
	}
	if opts.DeletionGrace <= 0 {
		opts.DeletionGrace = 60 * time.Second
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 5 * time.Second
	}

	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("open query engine: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("ping query engine: %w", err)
	}

	if err := opts.Storage.RegisterWithEngine(ctx, db); err != nil {
		db.Close()
		connector.Close()
		return nil, err
	}

	arrowConn, err := connector.Connect(ctx)
	if err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("open arrow connection: %w", err)
	}
	ar, err := duckdb.NewArrowFromConn(arrowConn)
	if err != nil {
		arrowConn.Close()
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("init arrow interface: %w", err)
	}

	e := &Engine{
		catalog:        opts.Catalog,
		storage:        opts.Storage,
		fetcher:        opts.Fetcher,
		secrets:        opts.Secrets,
		logger:         opts.Logger,
		grace:          opts.DeletionGrace,
		reaperInterval: opts.ReaperInterval,
		connector:      connector,
		db:             db,
		arrowConn:      arrowConn,
		arrow:          ar,
	}
	return e, nil
}

// Secrets exposes the secret manager for credential administration.
func (e *Engine) Secrets() *secret.Manager {
	return e.secrets
}

// Close releases the DuckDB session and the catalog pool.
func (e *Engine) Close() error {
	e.arrowConn.Close()
	e.db.Close()
	e.connector.Close()
	return e.catalog.Close()
}

// scanPath converts a cache directory URL into the glob DuckDB scans.
func scanPath(dirURL string) string {
	path := strings.TrimPrefix(dirURL, "file://")
	return path + "/*.parquet"
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// registerTable exposes a cached snapshot as schema.table in the DuckDB
// session. Tables without an active snapshot are skipped; they materialize
// on demand at query time.
func (e *Engine) registerTable(ctx context.Context, t *rivetdb.TableInfo) error {
	if t.ParquetPath == nil {
		return nil
	}
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", quoteIdent(t.SchemaName)),
		fmt.Sprintf("CREATE OR REPLACE VIEW %s.%s AS SELECT * FROM read_parquet(%s);",
			quoteIdent(t.SchemaName), quoteIdent(t.TableName), sqlQuote(scanPath(*t.ParquetPath))),
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("register table %s.%s: %w", t.SchemaName, t.TableName, err)
		}
	}
	return nil
}

// dropTableView removes the view for a table that left the catalog.
func (e *Engine) dropTableView(ctx context.Context, schemaName, tableName string) {
	stmt := fmt.Sprintf("DROP VIEW IF EXISTS %s.%s;", quoteIdent(schemaName), quoteIdent(tableName))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		e.logger.Sugar().Warnw("drop table view failed",
			"schema", schemaName, "table", tableName, "err", err)
	}
}

// syncViews re-registers every cached table. Cheap relative to query
// execution and keeps the session aligned with the catalog snapshot set.
func (e *Engine) syncViews(ctx context.Context) error {
	tables, err := e.catalog.ListTables(ctx, nil)
	if err != nil {
		return err
	}
	for i := range tables {
		if err := e.registerTable(ctx, &tables[i]); err != nil {
			return err
		}
	}
	return nil
}

// sourceOf decodes a connection's stored descriptor.
func sourceOf(conn *rivetdb.ConnectionInfo) (*rivetdb.Source, error) {
	return rivetdb.ParseSource(conn.SourceType, []byte(conn.ConfigJSON))
}

// resolveConnection accepts an external id or a name, in that order.
func (e *Engine) resolveConnection(ctx context.Context, idOrName string) (*rivetdb.ConnectionInfo, error) {
	conn, err := e.catalog.GetConnectionByExternalID(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		conn, err = e.catalog.GetConnection(ctx, idOrName)
		if err != nil {
			return nil, err
		}
	}
	if conn == nil {
		return nil, rivetdb.NewNotFoundError("connection %q not found", idOrName)
	}
	return conn, nil
}

// CreateConnection validates the source descriptor and registers it.
func (e *Engine) CreateConnection(ctx context.Context, name, sourceType string, config []byte) (*rivetdb.ConnectionInfo, error) {
	if name == "" {
		return nil, rivetdb.NewValidationError("connection name is required")
	}
	src, err := rivetdb.ParseSource(sourceType, config)
	if err != nil {
		return nil, err
	}
	// Store the normalized descriptor so the type tag is always present.
	normalized, err := src.MarshalJSON()
	if err != nil {
		return nil, rivetdb.NewInternalError("encode source config").WithCause(err)
	}
	return e.catalog.AddConnection(ctx, name, sourceType, string(normalized))
}

func (e *Engine) ListConnections(ctx context.Context) ([]rivetdb.ConnectionInfo, error) {
	return e.catalog.ListConnections(ctx)
}

// DeleteConnection removes a connection, its tables, and schedules their
// cached snapshots for deletion after the grace interval.
func (e *Engine) DeleteConnection(ctx context.Context, name string) error {
	conn, err := e.catalog.GetConnection(ctx, name)
	if err != nil {
		return err
	}
	if conn == nil {
		return rivetdb.NewNotFoundError("connection %q not found", name)
	}
	tables, err := e.catalog.ListTables(ctx, &conn.ID)
	if err != nil {
		return err
	}
	deleteAfter := time.Now().Add(e.grace)
	for i := range tables {
		t := &tables[i]
		if t.ParquetPath != nil {
			if err := e.catalog.ScheduleFileDeletion(ctx, *t.ParquetPath, deleteAfter); err != nil {
				return err
			}
		}
		e.dropTableView(ctx, t.SchemaName, t.TableName)
	}
	return e.catalog.DeleteConnection(ctx, name)
}

func (e *Engine) ListTables(ctx context.Context) ([]rivetdb.TableInfo, error) {
	return e.catalog.ListTables(ctx, nil)
}
