// Package migration moves legacy per-node repository folders into a content
// addressed container and records each node's tree as repository metadata.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend/container"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/logging"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/metrics"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/repository"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/tree"
)

// ErrRepositoryLayout is returned when a node's legacy folder holds neither
// a raw_input nor a path subfolder.
var ErrRepositoryLayout = errors.New("node repository contains neither raw_input nor path subfolder")

const (
	nodesDir     = "nodes"
	containerDir = "container"

	fromVersion = "0.9"
	toVersion   = "0.10"
)

// Node identifies one entity whose repository is migrated.
type Node struct {
	ID   string
	UUID string
}

// NodeStore is where node records and their metadata live.
type NodeStore interface {
	ListNodes(ctx context.Context) ([]Node, error)
	// StoreRepositoryMetadata records the serialized tree of each node,
	// keyed by Node.ID. Nodes absent from the map are left unset.
	StoreRepositoryMetadata(ctx context.Context, metadata map[string]json.RawMessage) error
	// MarkRepositoryMetadataField declares the repository metadata attribute
	// for new nodes.
	MarkRepositoryMetadataField(ctx context.Context) error
}

// Options configures the container a migration creates.
type Options struct {
	HashType       string
	PackSizeTarget int64
	// Storage holds the container's objects. Nil means the local
	// filesystem under <folder>/container.
	Storage storage.Backend
	// Producer is recorded in the archive conversion info.
	Producer string
}

// Result summarizes a migration run.
type Result struct {
	Migrated int
	Skipped  int
	// Keys are the distinct content keys written, sorted.
	Keys []string
}

// LegacyNodePath returns the folder holding a node's files in the legacy
// layout: nodes/<u[0:2]>/<u[2:4]>/<u[4:]>/raw_input, or .../path when no
// raw_input folder exists. The folder is named after the identifier exactly
// as stored, so it is validated but never canonicalized.
func LegacyNodePath(folder, nodeUUID string) (string, error) {
	if _, err := uuid.Parse(nodeUUID); err != nil {
		return "", fmt.Errorf("node uuid %q: %w", nodeUUID, err)
	}
	u := nodeUUID
	base := filepath.Join(folder, nodesDir, u[:2], u[2:4], u[4:])
	for _, sub := range []string{"raw_input", "path"} {
		dir := filepath.Join(base, sub)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("node %s: %w", u, ErrRepositoryLayout)
}

// MigrateV9ToV10 migrates an extracted export archive from version 0.9 to
// 0.10. The archive is mutated in place; the caller saves it.
func MigrateV9ToV10(ctx context.Context, archive *Archive, opts Options) (*Result, error) {
	if err := VerifyMetadataVersion(archive.Metadata, fromVersion); err != nil {
		return nil, err
	}
	producer := opts.Producer
	if producer == "" {
		producer = "filerepo"
	}
	UpdateMetadata(archive.Metadata, toVersion, producer)
	return MigrateRepository(ctx, archive, archive.Folder, opts)
}

// MigrateRepository imports every node's legacy folder below folder into a
// new container at <folder>/container, packs the container once, stores the
// serialized trees and then removes <folder>/nodes. Any error before the
// metadata is stored leaves nodes and the legacy folders untouched.
func MigrateRepository(ctx context.Context, nodes NodeStore, folder string, opts Options) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RecordMigration(time.Since(start)) }()

	list, err := nodes.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	c, err := container.New(filepath.Join(folder, containerDir), container.Options{
		HashType:       opts.HashType,
		PackSizeTarget: opts.PackSizeTarget,
		Storage:        opts.Storage,
	})
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	repo := repository.New(c)

	logging.Info("migrating node repositories",
		zap.String("folder", folder),
		zap.Int("nodes", len(list)))

	result := &Result{}
	pending := make(map[string]json.RawMessage)
	keys := make(map[string]struct{})
	for _, node := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir, err := LegacyNodePath(folder, node.UUID)
		if err != nil {
			metrics.RecordMigrationNode("failed")
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			metrics.RecordMigrationNode("failed")
			return nil, fmt.Errorf("node %s: %w", node.UUID, err)
		}
		if len(entries) == 0 {
			logging.Debug("node repository empty", zap.String("uuid", node.UUID))
			metrics.RecordMigrationNode("skipped")
			result.Skipped++
			continue
		}

		if err := repo.PutObjectFromTree(ctx, dir, ""); err != nil {
			metrics.RecordMigrationNode("failed")
			return nil, fmt.Errorf("node %s: %w", node.UUID, err)
		}
		blob, err := repo.Serialize()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.UUID, err)
		}
		for _, k := range tree.Keys(repo.Hierarchy()) {
			keys[k] = struct{}{}
		}
		pending[node.ID] = blob
		repo.Reset()

		metrics.RecordMigrationNode("migrated")
		result.Migrated++
		logging.Debug("node repository migrated", zap.String("uuid", node.UUID), zap.String("source", dir))
	}

	if err := c.PackAllLoose(ctx, false); err != nil {
		return nil, fmt.Errorf("pack container: %w", err)
	}
	if err := nodes.StoreRepositoryMetadata(ctx, pending); err != nil {
		return nil, fmt.Errorf("store repository metadata: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(folder, nodesDir)); err != nil {
		return nil, fmt.Errorf("remove legacy node folders: %w", err)
	}
	if err := nodes.MarkRepositoryMetadataField(ctx); err != nil {
		return nil, fmt.Errorf("mark repository metadata field: %w", err)
	}

	result.Keys = make([]string, 0, len(keys))
	for k := range keys {
		result.Keys = append(result.Keys, k)
	}
	sort.Strings(result.Keys)

	logging.Info("node repositories migrated",
		zap.Int("migrated", result.Migrated),
		zap.Int("skipped", result.Skipped),
		zap.Int("objects", len(result.Keys)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}
