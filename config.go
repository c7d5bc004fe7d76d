package rivetdb

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// CatalogBackend selects the catalog implementation.
type CatalogBackend string

const (
	CatalogBackendSqlite   CatalogBackend = "sqlite"
	CatalogBackendPostgres CatalogBackend = "postgres"
)

// StorageBackend selects the cache storage implementation.
type StorageBackend string

const (
	StorageBackendFilesystem StorageBackend = "filesystem"
	StorageBackendS3         StorageBackend = "s3"
)

// ServerConfig contains HTTP bind settings
type ServerConfig struct {
	Host string `env:"HOST, default=0.0.0.0"`
	Port int    `env:"PORT, default=8080"`
}

// CatalogConfig selects and locates the catalog backend
type CatalogConfig struct {
	Backend CatalogBackend `env:"BACKEND, default=sqlite"`
	// Path is the SQLite database file (sqlite backend).
	Path string `env:"PATH, default=catalog.db"`
	// URL is the PostgreSQL connection string (postgres backend).
	URL string `env:"URL"`
	// MaxConnections bounds the catalog connection pool.
	MaxConnections int `env:"MAX_CONNECTIONS, default=10"`
}

// S3Config contains S3/MinIO settings for the s3 storage backend
type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION, default=us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	AllowHTTP bool   `env:"ALLOW_HTTP, default=false"`
}

// StorageConfig selects and locates the cache storage backend
type StorageConfig struct {
	Backend StorageBackend `env:"BACKEND, default=filesystem"`
	// Base is the cache root directory (filesystem) or bucket name (s3).
	Base string `env:"BASE, default=cache"`
	S3   S3Config `env:", prefix=S3_"`
}

// CacheConfig controls the refresh/deletion lifecycle
type CacheConfig struct {
	// DeletionGrace is the interval between a snapshot swap and the physical
	// delete of the previous snapshot. Must exceed the maximum expected query
	// runtime.
	DeletionGrace time.Duration `env:"DELETION_GRACE, default=60s"`
	// ReaperInterval is how often the pending-deletions queue is drained.
	ReaperInterval time.Duration `env:"REAPER_INTERVAL, default=5s"`
}

// Config is the full server configuration, loaded from the environment.
type Config struct {
	Server  ServerConfig  `env:", prefix=SERVER_"`
	Catalog CatalogConfig `env:", prefix=CATALOG_"`
	Storage StorageConfig `env:", prefix=STORAGE_"`
	Cache   CacheConfig   `env:", prefix=CACHE_"`
	// SecretKey is the base64-encoded 32-byte symmetric key for encrypted
	// secret values.
	SecretKey string `env:"SECRET_KEY"`
}

// LoadConfig reads configuration from the process environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints before startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be in 1..65535"}
	}
	switch c.Catalog.Backend {
	case CatalogBackendSqlite:
		if c.Catalog.Path == "" {
			return &ConfigError{Field: "catalog.path", Message: "required for sqlite backend"}
		}
	case CatalogBackendPostgres:
		if c.Catalog.URL == "" {
			return &ConfigError{Field: "catalog.url", Message: "required for postgres backend"}
		}
	default:
		return &ConfigError{Field: "catalog.backend", Message: "must be sqlite or postgres"}
	}
	switch c.Storage.Backend {
	case StorageBackendFilesystem:
	case StorageBackendS3:
		if c.Storage.Base == "" {
			return &ConfigError{Field: "storage.base", Message: "bucket name required for s3 backend"}
		}
	default:
		return &ConfigError{Field: "storage.backend", Message: "must be filesystem or s3"}
	}
	if c.Cache.DeletionGrace <= 0 {
		return &ConfigError{Field: "cache.deletion_grace", Message: "must be greater than 0"}
	}
	if c.Cache.ReaperInterval <= 0 {
		return &ConfigError{Field: "cache.reaper_interval", Message: "must be greater than 0"}
	}
	if c.SecretKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.SecretKey)
		if err != nil {
			return &ConfigError{Field: "secret_key", Message: "must be valid base64"}
		}
		if len(key) != 32 {
			return &ConfigError{Field: "secret_key", Message: "must decode to 32 bytes"}
		}
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
