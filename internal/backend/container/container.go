// Package container implements backend.Backend as an on-disk object store.
//
// A container root holds config.json, the sqlite pack index (packs.idx) and
// the pack lock. Object bytes live in a storage.Backend, which is the local
// filesystem under the root unless another backend is given:
//
//	loose/<key[0:2]>/<key[2:]>   one object per blob, written atomically
//	packs/<n>                    immutable concatenation of objects
//
// Keys are the hex digest of the uncompressed content, so writing the same
// bytes twice yields one object.
package container

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/logging"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/metrics"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage/local"
)

const (
	configFile  = "config.json"
	indexFile   = "packs.idx"
	lockFile    = "pack.lock"
	looseDir    = "loose/"
	packsDir    = "packs/"
	version     = 1
	prefixLen   = 2
	defaultHash = "sha256"

	// DefaultPackSizeTarget is the size at which a new pack is started.
	DefaultPackSizeTarget int64 = 4 * 1024 * 1024 * 1024
)

var (
	// ErrNotInitialized is returned when the root holds no container.
	ErrNotInitialized = errors.New("container not initialized")
	// ErrAlreadyInitialized is returned by Init on an existing container.
	ErrAlreadyInitialized = errors.New("container already initialized")
	// ErrCorruptObject is returned when stored bytes do not match their key.
	ErrCorruptObject = errors.New("corrupt object")
)

const schema = `
CREATE TABLE IF NOT EXISTS packs (
	pack_id INTEGER PRIMARY KEY,
	size    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS objects (
	hashkey     TEXT PRIMARY KEY,
	pack_id     INTEGER NOT NULL REFERENCES packs(pack_id),
	pack_offset INTEGER NOT NULL,
	length      INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	compressed  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_objects_pack ON objects(pack_id);
`

// Options configures a container.
type Options struct {
	// HashType is "sha256" (default) or "blake2b". It is fixed at Init;
	// an opened container uses the type recorded in its config.
	HashType string

	// PackSizeTarget bounds the size of a single pack. Zero means
	// DefaultPackSizeTarget.
	PackSizeTarget int64

	// Storage holds loose objects and packs. Nil means the local
	// filesystem under the container root.
	Storage storage.Backend
}

// Config is the persisted container configuration.
type Config struct {
	Version        int    `json:"container_version"`
	ContainerID    string `json:"container_id"`
	HashType       string `json:"hash_type"`
	LoosePrefixLen int    `json:"loose_prefix_len"`
	PackSizeTarget int64  `json:"pack_size_target"`
}

// Stats describes container contents.
type Stats struct {
	LooseCount  int
	LooseBytes  int64
	PackedCount int
	PackCount   int
	PackedBytes int64
}

// Container is a disk object store. It is safe for concurrent use; packing
// excludes writers and readers in this process and other packers through
// an advisory lock on the root.
type Container struct {
	root      string
	opts      Options
	store     storage.Backend
	ownsStore bool

	mu  sync.RWMutex
	db  *sql.DB
	cfg Config
}

var _ backend.Backend = (*Container)(nil)

// New returns a container handle for root. Call Init to create a new
// container or use Open for an existing one.
func New(root string, opts Options) (*Container, error) {
	if root == "" {
		return nil, fmt.Errorf("container root is required")
	}
	if opts.HashType == "" {
		opts.HashType = defaultHash
	}
	if _, err := newHasher(opts.HashType); err != nil {
		return nil, err
	}
	if opts.PackSizeTarget <= 0 {
		opts.PackSizeTarget = DefaultPackSizeTarget
	}

	c := &Container{root: root, opts: opts, store: opts.Storage}
	if c.store == nil {
		lb, err := local.New(local.Config{RootPath: root, CreateDirs: true})
		if err != nil {
			return nil, fmt.Errorf("container storage: %w", err)
		}
		c.store = lb
		c.ownsStore = true
	} else if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create container root: %w", err)
	}
	return c, nil
}

// Open opens an initialized container at root.
func Open(root string, opts Options) (*Container, error) {
	data, err := os.ReadFile(filepath.Join(root, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", root, ErrNotInitialized)
		}
		return nil, fmt.Errorf("read container config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse container config: %w", err)
	}
	if cfg.Version != version {
		return nil, fmt.Errorf("unsupported container version %d", cfg.Version)
	}

	opts.HashType = cfg.HashType
	opts.PackSizeTarget = cfg.PackSizeTarget
	c, err := New(root, opts)
	if err != nil {
		return nil, err
	}
	if err := c.openIndex(); err != nil {
		c.Close()
		return nil, err
	}
	c.cfg = cfg
	return c, nil
}

// Init creates the container configuration and pack index.
func (c *Container) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.root, configFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("init %s: %w", c.root, ErrAlreadyInitialized)
	}

	cfg := Config{
		Version:        version,
		ContainerID:    uuid.NewString(),
		HashType:       c.opts.HashType,
		LoosePrefixLen: prefixLen,
		PackSizeTarget: c.opts.PackSizeTarget,
	}
	if err := c.openIndex(); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create pack index: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode container config: %w", err)
	}
	// config.json is written last: its presence marks a usable container
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write container config: %w", err)
	}
	c.cfg = cfg

	logging.Info("container initialized",
		zap.String("root", c.root),
		zap.String("container_id", cfg.ContainerID),
		zap.String("hash_type", cfg.HashType),
		zap.String("storage", c.store.Type()))
	return nil
}

func (c *Container) openIndex() error {
	if c.db != nil {
		return nil
	}
	dsn := filepath.Join(c.root, indexFile) + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open pack index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("open pack index: %w", err)
	}
	c.db = db
	return nil
}

// Config returns the persisted configuration.
func (c *Container) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Root returns the container root directory.
func (c *Container) Root() string { return c.root }

// Close releases the index and, when the container created it, the storage.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.db != nil {
		errs = append(errs, c.db.Close())
		c.db = nil
	}
	if c.ownsStore && c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

func newHasher(hashType string) (hash.Hash, error) {
	switch hashType {
	case "sha256":
		return sha256.New(), nil
	case "blake2b":
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash type %q", hashType)
	}
}

func (c *Container) hashKey(content []byte) (string, error) {
	h, err := newHasher(c.cfg.HashType)
	if err != nil {
		return "", err
	}
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// validKey reports whether key has the shape of a digest this container
// issues. Both hash types produce 32-byte digests.
func validKey(key string) bool {
	if len(key) != 64 || strings.ToLower(key) != key {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

func loosePath(key string) string {
	return looseDir + key[:prefixLen] + "/" + key[prefixLen:]
}

func packPath(id int64) string {
	return packsDir + strconv.FormatInt(id, 10)
}

// keyFromLoosePath reverses loosePath, returning "" for foreign files.
func keyFromLoosePath(p string) string {
	rest := strings.TrimPrefix(p, looseDir)
	dir, file, ok := strings.Cut(rest, "/")
	if !ok || len(dir) != prefixLen {
		return ""
	}
	key := dir + file
	if !validKey(key) {
		return ""
	}
	return key
}

func (c *Container) ready() error {
	if c.db == nil || c.cfg.Version == 0 {
		return fmt.Errorf("%s: %w", c.root, ErrNotInitialized)
	}
	return nil
}

// WriteLoose stores content as a loose object and returns its key. Content
// already held loose or packed is not written again.
func (c *Container) WriteLoose(ctx context.Context, content []byte) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return "", err
	}

	key, err := c.hashKey(content)
	if err != nil {
		return "", err
	}

	packed, err := c.isPacked(ctx, key)
	if err != nil {
		return "", err
	}
	if packed {
		return key, nil
	}
	exists, err := c.store.ObjectExists(ctx, loosePath(key))
	if err != nil {
		return "", fmt.Errorf("check loose %s: %w", key, err)
	}
	if exists {
		return key, nil
	}

	err = c.store.PutObject(ctx, loosePath(key), bytes.NewReader(content), int64(len(content)))
	metrics.RecordLooseWrite(c.store.Type(), len(content), err == nil)
	if err != nil {
		return "", fmt.Errorf("write loose %s: %w", key, err)
	}
	logging.Debug("wrote loose object", zap.String("key", key), zap.Int("size", len(content)))
	return key, nil
}

func (c *Container) isPacked(ctx context.Context, key string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE hashkey = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query pack index: %w", err)
	}
	return n > 0, nil
}

// Read returns the content stored under key, from the loose area if present
// and from its pack otherwise.
func (c *Container) Read(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	if !validKey(key) {
		return nil, fmt.Errorf("read %q: %w", key, backend.ErrKeyNotFound)
	}

	data, err := storage.ReadAll(ctx, c.store, loosePath(key))
	if err == nil {
		metrics.RecordRead(c.store.Type(), "loose")
		return data, nil
	}
	if !errors.Is(err, storage.ErrNotExist) {
		return nil, fmt.Errorf("read loose %s: %w", key, err)
	}

	var (
		packID         int64
		offset, length int64
		size           int64
		compressed     bool
	)
	err = c.db.QueryRowContext(ctx,
		`SELECT pack_id, pack_offset, length, size, compressed FROM objects WHERE hashkey = ?`, key,
	).Scan(&packID, &offset, &length, &size, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s: %w", key, backend.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query pack index: %w", err)
	}

	raw := []byte{}
	if length > 0 {
		raw, err = storage.ReadRange(ctx, c.store, packPath(packID), offset, length)
		if err != nil {
			return nil, fmt.Errorf("read pack %d for %s: %w", packID, key, err)
		}
	}
	if int64(len(raw)) != length {
		return nil, fmt.Errorf("read %s: %w: pack %d returned %d of %d bytes", key, ErrCorruptObject, packID, len(raw), length)
	}
	if compressed {
		raw, err = inflate(raw)
		if err != nil {
			return nil, fmt.Errorf("inflate %s: %w", key, err)
		}
	}
	if int64(len(raw)) != size {
		return nil, fmt.Errorf("read %s: %w: size %d, want %d", key, ErrCorruptObject, len(raw), size)
	}
	metrics.RecordRead(c.store.Type(), "packed")
	return raw, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

type indexRow struct {
	key        string
	packID     int64
	offset     int64
	length     int64
	size       int64
	compressed bool
}

// packWriter spools one pack to a local temp file before uploading it.
type packWriter struct {
	id   int64
	file *os.File
	size int64
}

// PackAllLoose moves every loose object into packs. Pack blobs are stored
// first, then the index rows are committed in one transaction, and only then
// are the loose copies deleted. A crash at any point leaves every object
// readable.
func (c *Container) PackAllLoose(ctx context.Context, compress bool) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}

	unlock, err := lockPacking(filepath.Join(c.root, lockFile))
	if err != nil {
		return fmt.Errorf("acquire pack lock: %w", err)
	}
	defer unlock()

	start := time.Now()
	packedObjects := 0
	defer func() {
		metrics.RecordPack(c.store.Type(), packedObjects, time.Since(start), err == nil)
	}()

	loose, err := c.store.ListObjects(ctx, looseDir)
	if err != nil {
		return fmt.Errorf("list loose objects: %w", err)
	}
	sort.Slice(loose, func(i, j int) bool { return loose[i].Key < loose[j].Key })

	var (
		rows     []indexRow
		packs    []*packWriter
		toDelete []string
		current  *packWriter
	)
	defer func() {
		for _, p := range packs {
			p.file.Close()
			os.Remove(p.file.Name())
		}
	}()

	nextID, err := c.nextPackID(ctx)
	if err != nil {
		return err
	}

	for _, obj := range loose {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := keyFromLoosePath(obj.Key)
		if key == "" {
			logging.Warn("skipping foreign file in loose area", zap.String("path", obj.Key))
			continue
		}
		packed, err := c.isPacked(ctx, key)
		if err != nil {
			return err
		}
		if packed {
			// duplicate left behind by an interrupted pack run
			toDelete = append(toDelete, obj.Key)
			continue
		}

		content, err := storage.ReadAll(ctx, c.store, obj.Key)
		if err != nil {
			return fmt.Errorf("read loose %s: %w", key, err)
		}
		sum, err := c.hashKey(content)
		if err != nil {
			return err
		}
		if sum != key {
			return fmt.Errorf("loose %s: %w: content hashes to %s", key, ErrCorruptObject, sum)
		}

		stored := content
		if compress {
			if stored, err = deflate(content); err != nil {
				return fmt.Errorf("compress %s: %w", key, err)
			}
		}

		if current == nil || (current.size > 0 && current.size+int64(len(stored)) > c.cfg.PackSizeTarget) {
			f, err := os.CreateTemp(c.root, ".pack-*.tmp")
			if err != nil {
				return fmt.Errorf("create pack spool: %w", err)
			}
			current = &packWriter{id: nextID, file: f}
			packs = append(packs, current)
			nextID++
		}
		if _, err := current.file.Write(stored); err != nil {
			return fmt.Errorf("spool pack %d: %w", current.id, err)
		}
		rows = append(rows, indexRow{
			key:        key,
			packID:     current.id,
			offset:     current.size,
			length:     int64(len(stored)),
			size:       int64(len(content)),
			compressed: compress,
		})
		current.size += int64(len(stored))
		toDelete = append(toDelete, obj.Key)
	}

	if len(toDelete) == 0 {
		logging.Debug("nothing to pack", zap.String("root", c.root))
		return nil
	}

	for _, p := range packs {
		if _, err := p.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind pack %d: %w", p.id, err)
		}
		if err := c.store.PutObject(ctx, packPath(p.id), p.file, p.size); err != nil {
			return fmt.Errorf("store pack %d: %w", p.id, err)
		}
	}

	if err := c.commitIndex(ctx, packs, rows); err != nil {
		return err
	}
	packedObjects = len(rows)

	for _, k := range toDelete {
		if err := c.store.DeleteObject(ctx, k); err != nil {
			// the object is packed; the stale loose copy is removed next run
			logging.Warn("failed to delete packed loose object", zap.String("path", k), zap.Error(err))
		}
	}

	logging.Info("packed loose objects",
		zap.Int("objects", len(rows)),
		zap.Int("packs", len(packs)),
		zap.Int("duplicates", len(toDelete)-len(rows)),
		zap.Bool("compress", compress),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// nextPackID returns an id above every indexed pack and every pack blob in
// storage, so orphaned bytes from an interrupted run are never overwritten.
func (c *Container) nextPackID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(pack_id) FROM packs`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("query pack index: %w", err)
	}
	next := int64(0)
	if maxID.Valid {
		next = maxID.Int64 + 1
	}

	existing, err := c.store.ListObjects(ctx, packsDir)
	if err != nil {
		return 0, fmt.Errorf("list packs: %w", err)
	}
	for _, obj := range existing {
		id, err := strconv.ParseInt(strings.TrimPrefix(obj.Key, packsDir), 10, 64)
		if err == nil && id >= next {
			next = id + 1
		}
	}
	return next, nil
}

func (c *Container) commitIndex(ctx context.Context, packs []*packWriter, rows []indexRow) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range packs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO packs (pack_id, size) VALUES (?, ?)`, p.id, p.size); err != nil {
			return fmt.Errorf("index pack %d: %w", p.id, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO objects (hashkey, pack_id, pack_offset, length, size, compressed) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare index insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.key, r.packID, r.offset, r.length, r.size, r.compressed); err != nil {
			return fmt.Errorf("index object %s: %w", r.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pack index: %w", err)
	}
	return nil
}

// Stats counts loose and packed objects.
func (c *Container) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return Stats{}, err
	}

	var s Stats
	loose, err := c.store.ListObjects(ctx, looseDir)
	if err != nil {
		return s, fmt.Errorf("list loose objects: %w", err)
	}
	for _, obj := range loose {
		if keyFromLoosePath(obj.Key) == "" {
			continue
		}
		s.LooseCount++
		s.LooseBytes += obj.Size
	}

	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&s.PackedCount); err != nil {
		return s, fmt.Errorf("count packed objects: %w", err)
	}
	var packed sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(size) FROM packs`).Scan(&s.PackCount, &packed); err != nil {
		return s, fmt.Errorf("count packs: %w", err)
	}
	s.PackedBytes = packed.Int64
	return s, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
