package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/fetch"
	"github.com/hotdata-dev/rivetdb/internal/token"
)

// maxLazyRefreshes bounds on-demand materialisation rounds per query.
const maxLazyRefreshes = 3

// Query executes SQL over the current cache snapshot set, persists the
// result best-effort, and always returns the computed rows. A persistence
// failure surfaces as a warning with a null result id, never as a query
// failure.
func (e *Engine) Query(ctx context.Context, sqlText string) (*rivetdb.QueryResult, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, rivetdb.NewValidationError("sql is required")
	}
	if err := e.syncViews(ctx); err != nil {
		return nil, err
	}

	var schema *arrow.Schema
	var records []arrow.Record
	for attempt := 0; ; attempt++ {
		var err error
		schema, records, err = e.execArrow(ctx, sqlText)
		if err == nil {
			break
		}
		if attempt < maxLazyRefreshes {
			if table, conn := e.lazyTableFor(ctx, err.Error()); table != nil {
				e.logger.Sugar().Infow("materializing table on demand",
					"schema", table.SchemaName, "table", table.TableName)
				if _, refreshErr := e.refreshTableData(ctx, conn, table); refreshErr != nil {
					return nil, refreshErr
				}
				continue
			}
		}
		return nil, rivetdb.NewValidationError("query failed: %v", err)
	}
	defer releaseRecords(records)

	columns, rows := encodeRecords(schema, records)
	result := &rivetdb.QueryResult{
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
	}

	resultID := token.New()
	if err := e.persistResult(ctx, resultID, schema, records); err != nil {
		e.logger.Sugar().Warnw("query result not persisted", "result_id", resultID, "err", err)
		result.Warning = fmt.Sprintf("results not persisted: %v", err)
	} else {
		result.ResultID = &resultID
	}
	return result, nil
}

// execArrow runs one statement on the dedicated Arrow connection and
// collects the batches.
func (e *Engine) execArrow(ctx context.Context, sqlText string) (*arrow.Schema, []arrow.Record, error) {
	e.arrowMu.Lock()
	defer e.arrowMu.Unlock()

	reader, err := e.arrow.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		releaseRecords(records)
		return nil, nil, err
	}
	return reader.Schema(), records, nil
}

func releaseRecords(records []arrow.Record) {
	for _, rec := range records {
		rec.Release()
	}
}

// lazyTableFor matches a missing-table execution error against cataloged
// tables that have no snapshot yet; those are fetched on demand.
func (e *Engine) lazyTableFor(ctx context.Context, errMsg string) (*rivetdb.TableInfo, *rivetdb.ConnectionInfo) {
	if !strings.Contains(errMsg, "does not exist") {
		return nil, nil
	}
	tables, err := e.catalog.ListTables(ctx, nil)
	if err != nil {
		return nil, nil
	}
	for i := range tables {
		t := &tables[i]
		if t.ParquetPath != nil {
			continue
		}
		if !strings.Contains(errMsg, t.TableName) {
			continue
		}
		conn, err := e.catalog.GetConnectionByID(ctx, t.ConnectionID)
		if err != nil || conn == nil {
			continue
		}
		return t, conn
	}
	return nil, nil
}

// persistResult writes the batches through the versioned write protocol
// under the results namespace.
func (e *Engine) persistResult(ctx context.Context, resultID string, schema *arrow.Schema, records []arrow.Record) error {
	localPath := e.storage.PrepareResultWrite(resultID)
	writer := fetch.NewStreamingParquetWriter(localPath, schema)
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			writer.Abort()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if _, err := e.storage.FinalizeResultWrite(ctx, localPath, resultID); err != nil {
		return err
	}
	return nil
}

// GetResult re-reads a persisted result artifact and re-encodes it with the
// same shape POST /query returned.
func (e *Engine) GetResult(ctx context.Context, resultID string) (*rivetdb.QueryResult, error) {
	url := e.storage.ResultURL(resultID) + "/data.parquet"
	exists, err := e.storage.Exists(ctx, url)
	if err != nil {
		return nil, rivetdb.NewStorageError("check result %q: %v", resultID, err).WithCause(err)
	}
	if !exists {
		return nil, rivetdb.NewNotFoundError("result %q not found", resultID)
	}

	data, err := e.storage.Read(ctx, url)
	if err != nil {
		return nil, rivetdb.NewStorageError("read result %q: %v", resultID, err).WithCause(err)
	}

	schema, records, err := readParquetRecords(ctx, data)
	if err != nil {
		return nil, rivetdb.NewStorageError("decode result %q: %v", resultID, err).WithCause(err)
	}
	defer releaseRecords(records)

	columns, rows := encodeRecords(schema, records)
	return &rivetdb.QueryResult{
		ResultID: &resultID,
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
	}, nil
}

// readParquetRecords decodes a whole Parquet artifact into Arrow records.
// Result artifacts are bounded by what a query response already held in
// memory, so reading them whole is fine.
func readParquetRecords(ctx context.Context, data []byte) (*arrow.Schema, []arrow.Record, error) {
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet: %w", err)
	}
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: 8192}, memory.DefaultAllocator)
	if err != nil {
		return nil, nil, fmt.Errorf("open arrow reader: %w", err)
	}
	table, err := reader.ReadTable(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read table: %w", err)
	}
	defer table.Release()

	var records []arrow.Record
	tr := array.NewTableReader(table, 8192)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		rec.Retain()
		records = append(records, rec)
	}
	return table.Schema(), records, nil
}
