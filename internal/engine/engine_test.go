package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/catalog"
	"github.com/hotdata-dev/rivetdb/internal/storage"
)

type testHarness struct {
	engine   *Engine
	catalog  *catalog.SqliteCatalog
	storage  rivetdb.StorageManager
	cacheDir string
	tempDir  string
}

func newTestHarness(t *testing.T, mutate func(*Options)) *testHarness {
	t.Helper()
	ctx := context.Background()
	tempDir := t.TempDir()

	cat, err := catalog.NewSqliteCatalog(filepath.Join(tempDir, "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, cat.RunMigrations(ctx))

	cacheDir := filepath.Join(tempDir, "cache")
	store := rivetdb.StorageManager(storage.NewFilesystemStorage(cacheDir))

	opts := Options{
		Catalog:       cat,
		Storage:       store,
		Logger:        zap.NewNop(),
		DeletionGrace: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}

	eng, err := New(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return &testHarness{engine: eng, catalog: cat, storage: opts.Storage, cacheDir: cacheDir, tempDir: tempDir}
}

// createDuckDB creates an upstream DuckDB file with sales.orders and,
// optionally, sales.products.
func (h *testHarness) createDuckDB(t *testing.T, name string, withProducts bool) string {
	t.Helper()
	dbPath := filepath.Join(h.tempDir, name+".duckdb")
	db, err := sql.Open("duckdb", dbPath)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		"CREATE SCHEMA sales;",
		"CREATE TABLE sales.orders (id INTEGER, customer VARCHAR, amount DOUBLE);",
		"INSERT INTO sales.orders VALUES (1, 'Alice', 100.0), (2, 'Bob', 200.0);",
	}
	if withProducts {
		stmts = append(stmts,
			"CREATE TABLE sales.products (id INTEGER, name VARCHAR, price DOUBLE);",
			"INSERT INTO sales.products VALUES (1, 'Widget', 9.99);")
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return dbPath
}

func dropTable(t *testing.T, dbPath, schema, table string) {
	t.Helper()
	db, err := sql.Open("duckdb", dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("DROP TABLE %s.%s;", schema, table))
	require.NoError(t, err)
}

func (h *testHarness) connect(t *testing.T, name, dbPath string) *rivetdb.ConnectionInfo {
	t.Helper()
	config := fmt.Sprintf(`{"type":"duckdb","path":%q}`, dbPath)
	conn, err := h.engine.CreateConnection(context.Background(), name, "duckdb", []byte(config))
	require.NoError(t, err)
	return conn
}

func TestRefreshEmptyCatalog(t *testing.T) {
	h := newTestHarness(t, nil)
	summary, err := h.engine.Refresh(context.Background(), rivetdb.RefreshRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ConnectionsRefreshed)
	assert.Equal(t, 0, summary.TablesDiscovered)
}

func TestRefreshValidationMatrix(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		req     rivetdb.RefreshRequest
		message string
	}{
		{"schema without connection", rivetdb.RefreshRequest{SchemaName: "s"}, "requires connection_id"},
		{"table without connection", rivetdb.RefreshRequest{TableName: "t"}, "requires connection_id"},
		{"data without connection", rivetdb.RefreshRequest{Data: true}, "requires connection_id"},
		{"schema-level refresh", rivetdb.RefreshRequest{ConnectionID: "c", SchemaName: "s"}, "not supported"},
		{"table without schema", rivetdb.RefreshRequest{ConnectionID: "c", TableName: "t", Data: true}, "requires schema_name"},
		{"schema refresh targeting table", rivetdb.RefreshRequest{ConnectionID: "c", SchemaName: "s", TableName: "t"}, "set data=true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Refresh(ctx, tc.req)
			typed, ok := rivetdb.AsError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, rivetdb.ErrorTypeValidation, typed.Type)
			assert.Contains(t, typed.Message, tc.message)
		})
	}
}

func TestRefreshUnknownConnection(t *testing.T) {
	h := newTestHarness(t, nil)
	_, err := h.engine.Refresh(context.Background(), rivetdb.RefreshRequest{ConnectionID: "ghost"})
	typed, ok := rivetdb.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rivetdb.ErrorTypeNotFound, typed.Type)
}

func TestSchemaRefreshDiscoversTables(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	dbPath := h.createDuckDB(t, "src", true)
	conn := h.connect(t, "c1", dbPath)

	summary, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ConnectionsRefreshed)
	assert.Equal(t, 2, summary.TablesDiscovered)
	assert.Equal(t, 2, summary.TablesAdded)
	assert.Equal(t, 0, summary.TablesRemoved)

	// A second schema refresh adds nothing.
	summary, err = h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TablesAdded)
	assert.Equal(t, 0, summary.TablesRemoved)

	// The refresh also resolves the connection by name.
	_, err = h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: "c1"})
	require.NoError(t, err)
}

func TestSchemaRefreshRemovesStaleTables(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	dbPath := h.createDuckDB(t, "src", true)
	conn := h.connect(t, "c1", dbPath)

	_, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)

	// Cache products so its removal schedules a file deletion.
	_, err = h.engine.Refresh(ctx, rivetdb.RefreshRequest{
		ConnectionID: conn.ExternalID, SchemaName: "sales", TableName: "products", Data: true,
	})
	require.NoError(t, err)

	dropTable(t, dbPath, "sales", "products")

	summary, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TablesRemoved)

	tables, err := h.engine.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders", tables[0].TableName)

	// Deletion is pending behind the grace interval, not due yet.
	due, err := h.catalog.GetDueDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDataRefreshSwapAndScheduleDeletion(t *testing.T) {
	h := newTestHarness(t, func(o *Options) { o.DeletionGrace = time.Nanosecond })
	ctx := context.Background()
	dbPath := h.createDuckDB(t, "src", false)
	conn := h.connect(t, "c1", dbPath)

	_, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)

	summary, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{
		ConnectionID: conn.ExternalID, SchemaName: "sales", TableName: "orders", Data: true,
	})
	require.NoError(t, err)
	require.Len(t, summary.DataRefreshes, 1)
	assert.Equal(t, "orders", summary.DataRefreshes[0].TableName)

	connRow, err := h.catalog.GetConnection(ctx, "c1")
	require.NoError(t, err)
	table, err := h.catalog.GetTable(ctx, connRow.ID, "sales", "orders")
	require.NoError(t, err)
	require.NotNil(t, table.ParquetPath)
	firstPath := *table.ParquetPath

	// The version directory holds exactly the snapshot file.
	entries, err := os.ReadDir(strings.TrimPrefix(firstPath, "file://"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data.parquet", entries[0].Name())

	// A second refresh swaps the pointer and schedules the old directory.
	_, err = h.engine.Refresh(ctx, rivetdb.RefreshRequest{
		ConnectionID: conn.ExternalID, SchemaName: "sales", TableName: "orders", Data: true,
	})
	require.NoError(t, err)

	table, err = h.catalog.GetTable(ctx, connRow.ID, "sales", "orders")
	require.NoError(t, err)
	require.NotNil(t, table.ParquetPath)
	assert.NotEqual(t, firstPath, *table.ParquetPath)

	time.Sleep(10 * time.Millisecond)
	due, err := h.catalog.GetDueDeletions(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, firstPath, due[0].Path)

	// The reaper deletes the old version directory and dequeues the row.
	require.NoError(t, h.engine.ReapOnce(ctx))
	_, err = os.Stat(strings.TrimPrefix(firstPath, "file://"))
	assert.True(t, os.IsNotExist(err))
	due, err = h.catalog.GetDueDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestQueryReturnsPersistedResult(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	result, err := h.engine.Query(ctx, "SELECT 1 AS num")
	require.NoError(t, err)
	require.NotNil(t, result.ResultID)
	assert.Empty(t, result.Warning)
	assert.Equal(t, []string{"num"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 1, result.Rows[0][0])
	assert.Equal(t, 1, result.RowCount)

	fetched, err := h.engine.GetResult(ctx, *result.ResultID)
	require.NoError(t, err)
	assert.Equal(t, *result.ResultID, *fetched.ResultID)
	assert.Equal(t, result.Columns, fetched.Columns)
	require.Len(t, fetched.Rows, 1)
	assert.EqualValues(t, 1, fetched.Rows[0][0])
}

func TestQueryEmptyResultIsPersisted(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	result, err := h.engine.Query(ctx, "SELECT 1 AS x WHERE false")
	require.NoError(t, err)
	require.NotNil(t, result.ResultID)
	assert.Equal(t, 0, result.RowCount)

	fetched, err := h.engine.GetResult(ctx, *result.ResultID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, fetched.Columns)
	assert.Equal(t, 0, fetched.RowCount)
}

func TestQueriesGetUniqueResultIDs(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	r1, err := h.engine.Query(ctx, "SELECT 1 AS x")
	require.NoError(t, err)
	r2, err := h.engine.Query(ctx, "SELECT 2 AS y")
	require.NoError(t, err)
	assert.NotEqual(t, *r1.ResultID, *r2.ResultID)
}

func TestGetUnknownResultNotFound(t *testing.T) {
	h := newTestHarness(t, nil)
	_, err := h.engine.GetResult(context.Background(), "nonexistent-id")
	typed, ok := rivetdb.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rivetdb.ErrorTypeNotFound, typed.Type)
}

func TestInvalidSQLReturnsValidationError(t *testing.T) {
	h := newTestHarness(t, nil)
	_, err := h.engine.Query(context.Background(), "SELECT FROM FROM")
	typed, ok := rivetdb.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rivetdb.ErrorTypeValidation, typed.Type)
}

func TestQueryOverCachedTable(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	dbPath := h.createDuckDB(t, "src", false)
	conn := h.connect(t, "c1", dbPath)

	_, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)
	_, err = h.engine.Refresh(ctx, rivetdb.RefreshRequest{
		ConnectionID: conn.ExternalID, SchemaName: "sales", TableName: "orders", Data: true,
	})
	require.NoError(t, err)

	result, err := h.engine.Query(ctx, "SELECT count(*) AS c FROM sales.orders")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 2, result.Rows[0][0])
}

func TestQueryMaterializesTableOnDemand(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	dbPath := h.createDuckDB(t, "src", false)
	conn := h.connect(t, "c1", dbPath)

	// Schema refresh only: the table is known but has no snapshot.
	_, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)

	result, err := h.engine.Query(ctx, "SELECT count(*) AS c FROM sales.orders")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 2, result.Rows[0][0])

	// The on-demand refresh recorded a snapshot.
	connRow, err := h.catalog.GetConnection(ctx, "c1")
	require.NoError(t, err)
	table, err := h.catalog.GetTable(ctx, connRow.ID, "sales", "orders")
	require.NoError(t, err)
	assert.NotNil(t, table.ParquetPath)
}

func TestDeleteConnectionSchedulesCacheDeletion(t *testing.T) {
	h := newTestHarness(t, func(o *Options) { o.DeletionGrace = time.Nanosecond })
	ctx := context.Background()
	dbPath := h.createDuckDB(t, "src", false)
	conn := h.connect(t, "c1", dbPath)

	_, err := h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID})
	require.NoError(t, err)
	_, err = h.engine.Refresh(ctx, rivetdb.RefreshRequest{ConnectionID: conn.ExternalID, Data: true})
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteConnection(ctx, "c1"))

	tables, err := h.engine.ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)

	time.Sleep(10 * time.Millisecond)
	due, err := h.catalog.GetDueDeletions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, due)
}

// failingStorage delegates to a real backend but fails finalize on demand,
// exercising the decoupling of result delivery from persistence.
type failingStorage struct {
	rivetdb.StorageManager
	failFinalize atomic.Bool
}

func (f *failingStorage) FinalizeResultWrite(ctx context.Context, localPath, resultID string) (string, error) {
	if f.failFinalize.Load() {
		return "", fmt.Errorf("injected storage failure at finalize")
	}
	return f.StorageManager.FinalizeResultWrite(ctx, localPath, resultID)
}

func TestPersistenceFailureReturnsRowsWithWarning(t *testing.T) {
	failing := &failingStorage{}
	h := newTestHarness(t, func(o *Options) {
		failing.StorageManager = o.Storage
		o.Storage = failing
	})
	failing.failFinalize.Store(true)
	ctx := context.Background()

	result, err := h.engine.Query(ctx, "SELECT 1 AS num")
	require.NoError(t, err)
	assert.Nil(t, result.ResultID)
	assert.Contains(t, result.Warning, "not persisted")
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 1, result.Rows[0][0])

	// Storage recovers: the next query persists again.
	failing.failFinalize.Store(false)
	result, err = h.engine.Query(ctx, "SELECT 2 AS num")
	require.NoError(t, err)
	require.NotNil(t, result.ResultID)
	assert.Empty(t, result.Warning)

	fetched, err := h.engine.GetResult(ctx, *result.ResultID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetched.Rows[0][0])
}
