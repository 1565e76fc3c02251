// repo-migrate moves legacy per-node repository folders into an object
// container.
//
// Archive mode (default) migrates an extracted 0.9 export archive in -folder
// to 0.10 and rewrites its metadata.json and data.json. Database mode
// (-database or DATABASE_URL with -live) migrates a profile repository in
// -folder and stores the node metadata in PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/config"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/logging"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/metadata/postgres"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/metrics"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/migration"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage/factory"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	folder := flag.String("folder", "", "Extracted archive folder or profile repository folder")
	databaseURL := flag.String("database", "", "PostgreSQL URL; migrates a live profile instead of an archive")
	live := flag.Bool("live", false, "Use DATABASE_URL from the configuration for a live profile")
	configFile := flag.String("config", "", "Optional YAML configuration file")
	flag.Parse()

	if *folder == "" {
		fmt.Fprintln(os.Stderr, "Usage: repo-migrate -folder <dir> [-database <url> | -live] [-config <file>]")
		return 2
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		return 1
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	opts := migration.Options{
		HashType:       cfg.ContainerHashType,
		PackSizeTarget: cfg.PackSizeTarget,
		Producer:       "repo-migrate",
	}
	if cfg.StorageBackend == "s3" {
		store, err := factory.FromConfig(ctx, cfg, "")
		if err != nil {
			logging.Error("storage init failed", zap.Error(err))
			return 1
		}
		defer store.Close()
		opts.Storage = store
	}

	url := *databaseURL
	if url == "" && *live {
		url = cfg.DatabaseURL
	}

	var result *migration.Result
	if url != "" {
		result, err = migrateProfile(ctx, url, *folder, opts)
	} else {
		result, err = migrateArchive(ctx, *folder, opts)
	}
	if err != nil {
		if errors.Is(err, migration.ErrRepositoryLayout) || errors.Is(err, migration.ErrMetadataVersion) {
			logging.Error("archive cannot be migrated", zap.Error(err))
		} else {
			logging.Error("migration failed", zap.Error(err))
		}
		return 1
	}

	fmt.Printf("Migrated:  %d nodes\n", result.Migrated)
	fmt.Printf("Skipped:   %d nodes (empty repository)\n", result.Skipped)
	fmt.Printf("Objects:   %d\n", len(result.Keys))
	fmt.Printf("Container: %s\n", containerLocation(*folder, opts.Storage))
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func migrateArchive(ctx context.Context, folder string, opts migration.Options) (*migration.Result, error) {
	archive, err := migration.OpenArchive(folder)
	if err != nil {
		return nil, err
	}
	result, err := migration.MigrateV9ToV10(ctx, archive, opts)
	if err != nil {
		return nil, err
	}
	if err := archive.Save(); err != nil {
		return nil, fmt.Errorf("save archive: %w", err)
	}
	return result, nil
}

func migrateProfile(ctx context.Context, databaseURL, folder string, opts migration.Options) (*migration.Result, error) {
	store, err := postgres.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return migration.MigrateRepository(ctx, store, folder, opts)
}

func containerLocation(folder string, store storage.Backend) string {
	if store == nil {
		return folder + "/container"
	}
	return folder + "/container (objects in " + store.Type() + ")"
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logging.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("metrics server stopped", zap.Error(err))
	}
}
