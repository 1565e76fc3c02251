// Package postgres stores node repository metadata in a PostgreSQL profile
// database so a live profile can be migrated like an export archive.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/logging"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/migration"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/retry"
)

const nodeTable = "db_dbnode"

// NodeStore is a migration.NodeStore over the node table.
type NodeStore struct {
	db *sql.DB
}

var _ migration.NodeStore = (*NodeStore)(nil)

// New connects to databaseURL, retrying while the server is unreachable.
func New(ctx context.Context, databaseURL string) (*NodeStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		if err := db.PingContext(ctx); err != nil {
			logging.Warn("database not reachable", zap.Error(err))
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &NodeStore{db: db}, nil
}

// NewWithDB wraps an open connection.
func NewWithDB(db *sql.DB) *NodeStore {
	return &NodeStore{db: db}
}

// Close closes the database connection.
func (s *NodeStore) Close() error {
	return s.db.Close()
}

// ListNodes returns every node ordered by id.
func (s *NodeStore) ListNodes(ctx context.Context) ([]migration.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, uuid FROM `+nodeTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []migration.Node
	for rows.Next() {
		var id int64
		var u string
		if err := rows.Scan(&id, &u); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, migration.Node{ID: strconv.FormatInt(id, 10), UUID: u})
	}
	return nodes, rows.Err()
}

// StoreRepositoryMetadata adds the repository metadata column if needed and
// writes every node's tree in one transaction.
func (s *NodeStore) StoreRepositoryMetadata(ctx context.Context, metadata map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`ALTER TABLE `+nodeTable+` ADD COLUMN IF NOT EXISTS `+migration.RepositoryMetadataField+` JSONB`)
	if err != nil {
		return fmt.Errorf("add %s column: %w", migration.RepositoryMetadataField, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE `+nodeTable+` SET `+migration.RepositoryMetadataField+` = $1 WHERE id = $2`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for id, blob := range metadata {
		nodeID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("node id %q: %w", id, err)
		}
		res, err := stmt.ExecContext(ctx, string(blob), nodeID)
		if err != nil {
			return fmt.Errorf("update node %d: %w", nodeID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return fmt.Errorf("update node %d: %d rows affected", nodeID, n)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.Info("stored repository metadata", zap.Int("nodes", len(metadata)))
	return nil
}

// MarkRepositoryMetadataField makes new nodes default to an empty tree.
func (s *NodeStore) MarkRepositoryMetadataField(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`ALTER TABLE `+nodeTable+` ALTER COLUMN `+migration.RepositoryMetadataField+` SET DEFAULT '{}'::jsonb`)
	if err != nil {
		return fmt.Errorf("set %s default: %w", migration.RepositoryMetadataField, err)
	}
	return nil
}
