package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/catalog"
	"github.com/hotdata-dev/rivetdb/internal/engine"
	"github.com/hotdata-dev/rivetdb/internal/secret"
	"github.com/hotdata-dev/rivetdb/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:           "rivet-server",
		Short:         "Rivet query-serving cache server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	cfg, err := rivetdb.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cat, err := newCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	// Hash or gap failures here are fatal by design: the catalog must match
	// the code that is about to use it.
	if err := cat.RunMigrations(ctx); err != nil {
		cat.Close()
		return fmt.Errorf("run catalog migrations: %w", err)
	}
	sugar.Infow("catalog ready", "backend", cfg.Catalog.Backend)

	store, err := newStorage(ctx, cfg)
	if err != nil {
		cat.Close()
		return err
	}

	secrets, err := secret.NewManager(cat, cfg.SecretKey)
	if err != nil {
		cat.Close()
		return err
	}

	eng, err := engine.New(ctx, engine.Options{
		Catalog:        cat,
		Storage:        store,
		Secrets:        secrets,
		Logger:         logger,
		DeletionGrace:  cfg.Cache.DeletionGrace,
		ReaperInterval: cfg.Cache.ReaperInterval,
	})
	if err != nil {
		cat.Close()
		return err
	}
	defer eng.Close()

	eng.StartReaper(ctx)

	server := NewServer(eng)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	sugar.Infow("server listening", "addr", addr, "storage", cfg.Storage.Backend)
	return http.ListenAndServe(addr, server.Router())
}

func newCatalog(ctx context.Context, cfg *rivetdb.Config) (rivetdb.Catalog, error) {
	switch cfg.Catalog.Backend {
	case rivetdb.CatalogBackendSqlite:
		return catalog.NewSqliteCatalog(cfg.Catalog.Path)
	case rivetdb.CatalogBackendPostgres:
		return catalog.NewPostgresCatalog(ctx, cfg.Catalog.URL, cfg.Catalog.MaxConnections)
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", cfg.Catalog.Backend)
	}
}

func newStorage(ctx context.Context, cfg *rivetdb.Config) (rivetdb.StorageManager, error) {
	switch cfg.Storage.Backend {
	case rivetdb.StorageBackendFilesystem:
		return storage.NewFilesystemStorage(cfg.Storage.Base), nil
	case rivetdb.StorageBackendS3:
		return storage.NewS3Storage(ctx, cfg.Storage.Base, storage.S3Options{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			AllowHTTP: cfg.Storage.S3.AllowHTTP,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
