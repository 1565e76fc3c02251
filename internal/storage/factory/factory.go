// Package factory builds storage backends from configuration.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/config"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage/local"
	s3backend "github.com/fruitsalade/fruitsalade/filerepo/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, raw json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, raw)
	case "local":
		return local.NewFromJSON(raw)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// FromConfig creates the backend selected by cfg. root is used as the local
// root path when cfg does not set one.
func FromConfig(ctx context.Context, cfg *config.Config, root string) (storage.Backend, error) {
	var (
		raw []byte
		err error
	)
	switch cfg.StorageBackend {
	case "s3":
		raw, err = json.Marshal(s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.S3Prefix,
		})
	default:
		path := cfg.LocalStoragePath
		if path == "" {
			path = root
		}
		raw, err = json.Marshal(local.Config{RootPath: path, CreateDirs: true})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s backend config: %w", cfg.StorageBackend, err)
	}
	return NewBackendFromConfig(ctx, cfg.StorageBackend, raw)
}
