package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/metrics"
)

// KeyPolicy selects how Memory assigns keys.
type KeyPolicy int

const (
	// ContentHash keys objects by the sha256 of their content, so equal
	// content shares one key.
	ContentHash KeyPolicy = iota
	// Unique issues a fresh random key on every write.
	Unique
)

type packedEntry struct {
	data       []byte
	compressed bool
}

// Memory is a map-backed Backend for tests and tooling.
type Memory struct {
	policy KeyPolicy

	mu     sync.RWMutex
	loose  map[string][]byte
	packed map[string]packedEntry
}

// NewMemory creates an empty Memory backend using policy.
func NewMemory(policy KeyPolicy) *Memory {
	return &Memory{
		policy: policy,
		loose:  make(map[string][]byte),
		packed: make(map[string]packedEntry),
	}
}

func (m *Memory) key(content []byte) string {
	if m.policy == Unique {
		return uuid.NewString()
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// WriteLoose stores a copy of content.
func (m *Memory) WriteLoose(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := m.key(content)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packed[key]; !ok {
		m.loose[key] = bytes.Clone(content)
	}
	metrics.RecordLooseWrite("memory", len(content), true)
	return key, nil
}

// Read returns the content under key from the loose or packed set.
func (m *Memory) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.loose[key]
	entry, packed := m.packed[key]
	m.mu.RUnlock()

	if ok {
		metrics.RecordRead("memory", "loose")
		return bytes.Clone(data), nil
	}
	if !packed {
		return nil, fmt.Errorf("read %s: %w", key, ErrKeyNotFound)
	}
	metrics.RecordRead("memory", "packed")
	if !entry.compressed {
		return bytes.Clone(entry.data), nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(entry.data))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

// PackAllLoose moves all loose entries into the packed set.
func (m *Memory) PackAllLoose(ctx context.Context, compress bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.loose)
	for key, data := range m.loose {
		entry := packedEntry{data: data}
		if compress {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				metrics.RecordPack("memory", 0, time.Since(start), false)
				return fmt.Errorf("compress %s: %w", key, err)
			}
			if err := zw.Close(); err != nil {
				metrics.RecordPack("memory", 0, time.Since(start), false)
				return fmt.Errorf("compress %s: %w", key, err)
			}
			entry = packedEntry{data: buf.Bytes(), compressed: true}
		}
		m.packed[key] = entry
		delete(m.loose, key)
	}
	metrics.RecordPack("memory", n, time.Since(start), true)
	return nil
}

// LooseCount returns the number of loose objects.
func (m *Memory) LooseCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loose)
}

// PackedCount returns the number of packed objects.
func (m *Memory) PackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.packed)
}
