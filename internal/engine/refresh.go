package engine

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/avast/retry-go/v4"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/arrowschema"
	"github.com/hotdata-dev/rivetdb/internal/fetch"
)

// validateRefresh enforces the request matrix: schema-level refreshes are
// unsupported, data refreshes need a connection, and every narrower selector
// needs its parent.
func validateRefresh(req rivetdb.RefreshRequest) error {
	if req.ConnectionID == "" {
		if req.SchemaName != "" {
			return rivetdb.NewValidationError("schema_name requires connection_id")
		}
		if req.TableName != "" {
			return rivetdb.NewValidationError("table_name requires connection_id")
		}
		if req.Data {
			return rivetdb.NewValidationError("data refresh requires connection_id")
		}
		return nil
	}
	if req.TableName != "" && req.SchemaName == "" {
		return rivetdb.NewValidationError("table_name requires schema_name")
	}
	if req.SchemaName != "" && req.TableName == "" {
		return rivetdb.NewValidationError("schema-level refresh is not supported; target a table with table_name")
	}
	if req.TableName != "" && !req.Data {
		return rivetdb.NewValidationError("schema refresh cannot target a specific table; set data=true")
	}
	return nil
}

// Refresh drives schema or data refreshes per the request.
func (e *Engine) Refresh(ctx context.Context, req rivetdb.RefreshRequest) (*rivetdb.RefreshSummary, error) {
	if err := validateRefresh(req); err != nil {
		return nil, err
	}

	summary := &rivetdb.RefreshSummary{}

	if req.ConnectionID == "" {
		// Schema-refresh every connection.
		connections, err := e.catalog.ListConnections(ctx)
		if err != nil {
			return nil, err
		}
		for i := range connections {
			if err := e.refreshConnectionSchema(ctx, &connections[i], summary); err != nil {
				return nil, err
			}
		}
		return summary, nil
	}

	conn, err := e.resolveConnection(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}

	if !req.Data {
		if err := e.refreshConnectionSchema(ctx, conn, summary); err != nil {
			return nil, err
		}
		return summary, nil
	}

	if req.TableName != "" {
		table, err := e.catalog.GetTable(ctx, conn.ID, req.SchemaName, req.TableName)
		if err != nil {
			return nil, err
		}
		if table == nil {
			return nil, rivetdb.NewNotFoundError("table %s.%s not found in connection %q",
				req.SchemaName, req.TableName, conn.Name)
		}
		result, err := e.refreshTableData(ctx, conn, table)
		if err != nil {
			return nil, err
		}
		summary.DataRefreshes = append(summary.DataRefreshes, *result)
		return summary, nil
	}

	// Data-refresh every table in the connection.
	tables, err := e.catalog.ListTables(ctx, &conn.ID)
	if err != nil {
		return nil, err
	}
	for i := range tables {
		result, err := e.refreshTableData(ctx, conn, &tables[i])
		if err != nil {
			return nil, err
		}
		summary.DataRefreshes = append(summary.DataRefreshes, *result)
	}
	return summary, nil
}

// refreshConnectionSchema reconciles the catalog with the tables currently
// present upstream: upserts discovered tables, removes the rest, and
// schedules removed tables' snapshots for deletion.
func (e *Engine) refreshConnectionSchema(ctx context.Context, conn *rivetdb.ConnectionInfo, summary *rivetdb.RefreshSummary) error {
	src, err := sourceOf(conn)
	if err != nil {
		return err
	}

	discovered, err := e.fetcher.DiscoverTables(ctx, src)
	if err != nil {
		return rivetdb.NewUpstreamError("discover tables for %q: %v", conn.Name, err).WithCause(err)
	}

	keys := make([]rivetdb.TableKey, 0, len(discovered))
	for i := range discovered {
		meta := &discovered[i]
		schemaJSON, err := arrowschema.Marshal(arrowschema.FromColumns(meta.Columns))
		if err != nil {
			return rivetdb.NewUpstreamError("serialize schema of %s.%s: %v",
				meta.SchemaName, meta.TableName, err).WithCause(err)
		}

		existing, err := e.catalog.GetTable(ctx, conn.ID, meta.SchemaName, meta.TableName)
		if err != nil {
			return err
		}
		if _, err := e.catalog.AddTable(ctx, conn.ID, meta.SchemaName, meta.TableName, schemaJSON); err != nil {
			return err
		}
		if existing == nil {
			summary.TablesAdded++
		}
		keys = append(keys, rivetdb.TableKey{SchemaName: meta.SchemaName, TableName: meta.TableName})
	}

	stale, err := e.catalog.DeleteStaleTables(ctx, conn.ID, keys)
	if err != nil {
		return err
	}
	deleteAfter := time.Now().Add(e.grace)
	for i := range stale {
		t := &stale[i]
		if t.ParquetPath != nil {
			if err := e.catalog.ScheduleFileDeletion(ctx, *t.ParquetPath, deleteAfter); err != nil {
				return err
			}
		}
		e.dropTableView(ctx, t.SchemaName, t.TableName)
	}

	summary.ConnectionsRefreshed++
	summary.TablesDiscovered += len(discovered)
	summary.TablesRemoved += len(stale)
	return nil
}

// refreshTableData produces a new snapshot for one table and swaps the
// catalog pointer. The single UPDATE in step 5 is the linearisation point:
// a failure before it leaves the catalog untouched, a failure after it
// leaves at worst the replaced snapshot on storage with no pending deletion,
// so the reaper does not remove it.
func (e *Engine) refreshTableData(ctx context.Context, conn *rivetdb.ConnectionInfo, table *rivetdb.TableInfo) (*rivetdb.TableRefreshResult, error) {
	start := time.Now()
	log := e.logger.Sugar()

	src, err := sourceOf(conn)
	if err != nil {
		return nil, err
	}

	var fallback *arrow.Schema
	if table.ArrowSchemaJSON != "" {
		if parsed, err := arrowschema.Unmarshal(table.ArrowSchemaJSON); err == nil {
			fallback = parsed
		}
	}

	localPath := e.storage.PrepareVersionedCacheWrite(conn.ID, table.SchemaName, table.TableName)
	writer := fetch.NewStreamingParquetWriter(localPath, fallback)

	if err := e.fetcher.FetchTable(ctx, src, nil, table.SchemaName, table.TableName, writer); err != nil {
		writer.Abort()
		var fetchErr *rivetdb.DataFetchError
		if errors.As(err, &fetchErr) && fetchErr.Kind == rivetdb.FetchErrStorage {
			return nil, rivetdb.NewStorageError("fetch %s.%s: %v",
				table.SchemaName, table.TableName, err).WithCause(err)
		}
		return nil, rivetdb.NewUpstreamError("fetch %s.%s: %v",
			table.SchemaName, table.TableName, err).WithCause(err)
	}
	if err := writer.Close(); err != nil {
		return nil, rivetdb.NewStorageError("finalize snapshot of %s.%s: %v",
			table.SchemaName, table.TableName, err).WithCause(err)
	}

	newDirURL, err := e.storage.FinalizeCacheWrite(ctx, localPath, conn.ID, table.SchemaName, table.TableName)
	if err != nil {
		return nil, rivetdb.NewStorageError("finalize cache write for %s.%s: %v",
			table.SchemaName, table.TableName, err).WithCause(err)
	}

	// Re-read the row so a concurrent refresh's swap is observed.
	current, err := e.catalog.GetTable(ctx, conn.ID, table.SchemaName, table.TableName)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, rivetdb.NewNotFoundError("table %s.%s disappeared during refresh",
			table.SchemaName, table.TableName)
	}
	previous := current.ParquetPath

	if err := e.catalog.UpdateTableSync(ctx, current.ID, newDirURL); err != nil {
		return nil, err
	}

	if previous != nil && *previous != newDirURL {
		deleteAfter := time.Now().Add(e.grace)
		err := retry.Do(func() error {
			return e.catalog.ScheduleFileDeletion(ctx, *previous, deleteAfter)
		}, retry.Attempts(3), retry.Context(ctx))
		if err != nil {
			// The swap already happened; the old snapshot dangles but the
			// catalog stays consistent.
			log.Warnw("schedule deletion of replaced snapshot failed",
				"path", *previous, "err", err)
		}
	}

	current.ParquetPath = &newDirURL
	if err := e.registerTable(ctx, current); err != nil {
		log.Warnw("register refreshed table failed",
			"schema", table.SchemaName, "table", table.TableName, "err", err)
	}

	durationMs := time.Since(start).Milliseconds()
	log.Infow("table refreshed",
		"schema", table.SchemaName, "table", table.TableName,
		"path", newDirURL, "duration_ms", durationMs)

	return &rivetdb.TableRefreshResult{
		SchemaName: table.SchemaName,
		TableName:  table.TableName,
		DurationMs: durationMs,
	}, nil
}
