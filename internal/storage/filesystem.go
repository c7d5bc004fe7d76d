// Package storage implements the cache file backends: local filesystem and
// S3-compatible object stores. Both follow the versioned directory write
// protocol: every snapshot lives alone in {table}/{version}/data.parquet so
// that swapping the catalog pointer is atomic for readers.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/token"
)

const snapshotFileName = "data.parquet"

// FilesystemStorage keeps cache artifacts under a local base directory.
type FilesystemStorage struct {
	cacheBase string
}

var _ rivetdb.StorageManager = (*FilesystemStorage)(nil)

// NewFilesystemStorage creates a filesystem storage manager rooted at
// cacheBase. The directory is created lazily on first write.
func NewFilesystemStorage(cacheBase string) *FilesystemStorage {
	return &FilesystemStorage{cacheBase: cacheBase}
}

func (s *FilesystemStorage) tableDir(connectionID int64, schema, table string) string {
	return filepath.Join(s.cacheBase, fmt.Sprintf("%d", connectionID), schema, table)
}

// CacheURL returns the table directory URL, under which each snapshot has its
// own version directory.
func (s *FilesystemStorage) CacheURL(connectionID int64, schema, table string) string {
	return "file://" + s.tableDir(connectionID, schema, table)
}

func (s *FilesystemStorage) PrepareVersionedCacheWrite(connectionID int64, schema, table string) string {
	return filepath.Join(s.tableDir(connectionID, schema, table), token.Version(), snapshotFileName)
}

func (s *FilesystemStorage) FinalizeCacheWrite(ctx context.Context, localPath string, connectionID int64, schema, table string) (string, error) {
	// The staged file is already at its final location; the catalog records
	// the parent (version) directory.
	parent := filepath.Dir(localPath)
	if parent == "." || parent == string(filepath.Separator) {
		return "", fmt.Errorf("written path %q has no parent directory", localPath)
	}
	return "file://" + parent, nil
}

func (s *FilesystemStorage) ResultURL(resultID string) string {
	return "file://" + filepath.Join(s.cacheBase, "results", resultID)
}

func (s *FilesystemStorage) PrepareResultWrite(resultID string) string {
	return filepath.Join(s.cacheBase, "results", resultID, snapshotFileName)
}

func (s *FilesystemStorage) FinalizeResultWrite(ctx context.Context, localPath, resultID string) (string, error) {
	return "file://" + filepath.Dir(localPath), nil
}

func localPathOf(url string) (string, error) {
	path, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return "", fmt.Errorf("invalid file URL: %s", url)
	}
	return path, nil
}

func (s *FilesystemStorage) Read(ctx context.Context, url string) ([]byte, error) {
	path, err := localPathOf(url)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *FilesystemStorage) Write(ctx context.Context, url string, data []byte) error {
	path, err := localPathOf(url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *FilesystemStorage) Delete(ctx context.Context, url string) error {
	path, err := localPathOf(url)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

func (s *FilesystemStorage) DeletePrefix(ctx context.Context, url string) error {
	path, err := localPathOf(url)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (s *FilesystemStorage) Exists(ctx context.Context, url string) (bool, error) {
	path, err := localPathOf(url)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RegisterWithEngine is a no-op for local files beyond ensuring the parquet
// extension is available; DuckDB reads local paths natively.
func (s *FilesystemStorage) RegisterWithEngine(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{"INSTALL parquet;", "LOAD parquet;"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure engine for filesystem storage: %w", err)
		}
	}
	return nil
}
