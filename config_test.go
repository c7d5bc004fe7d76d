package rivetdb

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, CatalogBackendSqlite, cfg.Catalog.Backend)
	assert.Equal(t, StorageBackendFilesystem, cfg.Storage.Backend)
	assert.Equal(t, 60*time.Second, cfg.Cache.DeletionGrace)
	assert.Equal(t, 5*time.Second, cfg.Cache.ReaperInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CATALOG_BACKEND", "postgres")
	t.Setenv("CATALOG_URL", "postgres://localhost/rivet")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("STORAGE_BASE", "my-bucket")
	t.Setenv("STORAGE_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("STORAGE_S3_ALLOW_HTTP", "true")
	t.Setenv("CACHE_DELETION_GRACE", "2m")

	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, CatalogBackendPostgres, cfg.Catalog.Backend)
	assert.Equal(t, "my-bucket", cfg.Storage.Base)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.S3.Endpoint)
	assert.True(t, cfg.Storage.S3.AllowHTTP)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DeletionGrace)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
			Catalog: CatalogConfig{Backend: CatalogBackendSqlite, Path: "catalog.db"},
			Storage: StorageConfig{Backend: StorageBackendFilesystem, Base: "cache"},
			Cache:   CacheConfig{DeletionGrace: time.Minute, ReaperInterval: 5 * time.Second},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"postgres without url", func(c *Config) {
			c.Catalog.Backend = CatalogBackendPostgres
			c.Catalog.URL = ""
		}, "catalog.url"},
		{"unknown catalog backend", func(c *Config) { c.Catalog.Backend = "etcd" }, "catalog.backend"},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "tape" }, "storage.backend"},
		{"zero grace", func(c *Config) { c.Cache.DeletionGrace = 0 }, "cache.deletion_grace"},
		{"bad secret key", func(c *Config) { c.SecretKey = "!!!" }, "secret_key"},
		{"short secret key", func(c *Config) {
			c.SecretKey = base64.StdEncoding.EncodeToString([]byte("short"))
		}, "secret_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestValidateAcceptsProperSecretKey(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080},
		Catalog:   CatalogConfig{Backend: CatalogBackendSqlite, Path: "catalog.db"},
		Storage:   StorageConfig{Backend: StorageBackendFilesystem, Base: "cache"},
		Cache:     CacheConfig{DeletionGrace: time.Minute, ReaperInterval: time.Second},
		SecretKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
	}
	require.NoError(t, cfg.Validate())
}
