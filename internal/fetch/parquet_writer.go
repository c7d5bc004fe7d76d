// Package fetch implements upstream source drivers: table discovery and
// streaming one table's rows as Arrow record batches into Parquet.
package fetch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// StreamingParquetWriter writes Arrow record batches to a local Parquet
// file, flushing a row group per batch. Initialization is deferred to the
// first batch so the file schema always matches what the source actually
// produced; the fallback schema covers result sets with zero batches.
type StreamingParquetWriter struct {
	path     string
	fallback *arrow.Schema
	file     *os.File
	writer   *pqarrow.FileWriter
	rows     int64
}

// NewStreamingParquetWriter prepares a writer targeting path. fallback may
// be nil when at least one batch is guaranteed.
func NewStreamingParquetWriter(path string, fallback *arrow.Schema) *StreamingParquetWriter {
	return &StreamingParquetWriter{path: path, fallback: fallback}
}

func (w *StreamingParquetWriter) init(schema *arrow.Schema) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Zstd))
	fw, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	w.file = f
	w.writer = fw
	return nil
}

// Write appends one record batch as a row group.
func (w *StreamingParquetWriter) Write(rec arrow.Record) error {
	if w.writer == nil {
		if err := w.init(rec.Schema()); err != nil {
			return err
		}
	}
	if err := w.writer.Write(rec); err != nil {
		return fmt.Errorf("write row group: %w", err)
	}
	w.rows += rec.NumRows()
	return nil
}

// RowsWritten reports the total row count so far.
func (w *StreamingParquetWriter) RowsWritten() int64 {
	return w.rows
}

// Close finalizes the Parquet footer. A writer that saw no batches emits an
// empty file with the fallback schema.
func (w *StreamingParquetWriter) Close() error {
	if w.writer == nil {
		if w.fallback == nil {
			return fmt.Errorf("parquet writer closed with no batches and no schema")
		}
		if err := w.init(w.fallback); err != nil {
			return err
		}
	}
	// The parquet writer owns the sink and closes it with the footer.
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return nil
}

// Abort closes and removes any partially written file.
func (w *StreamingParquetWriter) Abort() {
	if w.writer != nil {
		w.writer.Close()
	}
	if w.file != nil {
		w.file.Close()
		os.Remove(w.path)
	}
}
