package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage/local"
)

func newContainer(t *testing.T, opts Options) *Container {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "container"), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeAll(t *testing.T, c *Container, contents []string) []string {
	t.Helper()
	keys := make([]string, len(contents))
	for i, content := range contents {
		key, err := c.WriteLoose(context.Background(), []byte(content))
		if err != nil {
			t.Fatalf("WriteLoose(%q): %v", content, err)
		}
		keys[i] = key
	}
	return keys
}

func checkAll(t *testing.T, c *Container, keys, contents []string) {
	t.Helper()
	for i, key := range keys {
		got, err := c.Read(context.Background(), key)
		if err != nil {
			t.Fatalf("Read(%s): %v", key, err)
		}
		if string(got) != contents[i] {
			t.Errorf("Read(%s) = %q, want %q", key, got, contents[i])
		}
	}
}

func mustStats(t *testing.T, c *Container) Stats {
	t.Helper()
	s, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return s
}

func TestInitAndOpen(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "c")

	if _, err := Open(root, Options{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Open before Init: err = %v, want ErrNotInitialized", err)
	}

	c, err := New(root, Options{HashType: "blake2b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.WriteLoose(ctx, []byte("x")); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WriteLoose before Init: err = %v", err)
	}
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Init(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init: err = %v, want ErrAlreadyInitialized", err)
	}
	id := c.Config().ContainerID
	key, err := c.WriteLoose(ctx, []byte("persisted"))
	if err != nil {
		t.Fatalf("WriteLoose: %v", err)
	}
	c.Close()

	reopened, err := Open(root, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	cfg := reopened.Config()
	if cfg.ContainerID != id || cfg.HashType != "blake2b" || cfg.LoosePrefixLen != 2 {
		t.Errorf("reopened config = %+v", cfg)
	}
	checkAll(t, reopened, []string{key}, []string{"persisted"})
}

func TestNew_InvalidOptions(t *testing.T) {
	if _, err := New("", Options{}); err == nil {
		t.Error("New without root should fail")
	}
	if _, err := New(t.TempDir(), Options{HashType: "md5"}); err == nil {
		t.Error("New with unknown hash type should fail")
	}
}

func TestWriteLoose_Dedup(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{})

	keys := writeAll(t, c, []string{"same", "same", "other"})
	if keys[0] != keys[1] {
		t.Errorf("equal content got different keys: %s, %s", keys[0], keys[1])
	}
	if keys[0] == keys[2] {
		t.Error("different content got the same key")
	}
	if len(keys[0]) != 64 {
		t.Errorf("key length = %d, want 64", len(keys[0]))
	}
	if s := mustStats(t, c); s.LooseCount != 2 {
		t.Errorf("LooseCount = %d, want 2", s.LooseCount)
	}

	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	again, err := c.WriteLoose(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("WriteLoose after pack: %v", err)
	}
	if again != keys[0] {
		t.Errorf("key changed after pack: %s", again)
	}
	if s := mustStats(t, c); s.LooseCount != 0 {
		t.Errorf("rewriting packed content created a loose copy: %+v", s)
	}
}

func TestRead_Unknown(t *testing.T) {
	c := newContainer(t, Options{})
	for _, key := range []string{"", "nope", strings.Repeat("a", 64), strings.Repeat("A", 64)} {
		if _, err := c.Read(context.Background(), key); !errors.Is(err, backend.ErrKeyNotFound) {
			t.Errorf("Read(%q): err = %v, want ErrKeyNotFound", key, err)
		}
	}
}

func TestPackAllLoose(t *testing.T) {
	contents := []string{"", "a", "hello world", strings.Repeat("compressible ", 500)}
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			ctx := context.Background()
			c := newContainer(t, Options{})
			keys := writeAll(t, c, contents)

			if err := c.PackAllLoose(ctx, compress); err != nil {
				t.Fatalf("PackAllLoose: %v", err)
			}
			s := mustStats(t, c)
			if s.LooseCount != 0 || s.PackedCount != len(contents) || s.PackCount != 1 {
				t.Errorf("stats after pack = %+v", s)
			}
			checkAll(t, c, keys, contents)

			total := 0
			for _, content := range contents {
				total += len(content)
			}
			if compress && s.PackedBytes >= int64(total) {
				t.Errorf("compressed pack is %d bytes for %d bytes of content", s.PackedBytes, total)
			}

			// idempotent: a second run with nothing loose changes nothing
			if err := c.PackAllLoose(ctx, compress); err != nil {
				t.Fatalf("second PackAllLoose: %v", err)
			}
			if again := mustStats(t, c); again != s {
				t.Errorf("stats changed on second pack: %+v -> %+v", s, again)
			}
			checkAll(t, c, keys, contents)
		})
	}
}

func TestPackAllLoose_Incremental(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{})

	first := writeAll(t, c, []string{"one", "two"})
	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	second := writeAll(t, c, []string{"three"})
	if err := c.PackAllLoose(ctx, true); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}

	if s := mustStats(t, c); s.PackCount != 2 || s.PackedCount != 3 {
		t.Errorf("stats = %+v, want 2 packs holding 3 objects", s)
	}
	checkAll(t, c, append(first, second...), []string{"one", "two", "three"})
}

func TestPackAllLoose_SizeTarget(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{PackSizeTarget: 10})

	contents := []string{"0123456789", "abcdefgh", "ABCDEFGH", "z"}
	keys := writeAll(t, c, contents)
	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	if s := mustStats(t, c); s.PackCount < 3 {
		t.Errorf("PackCount = %d, want at least 3 with a 10 byte target", s.PackCount)
	}
	checkAll(t, c, keys, contents)
}

func TestPackAllLoose_DuplicateLooseAndPacked(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{})
	keys := writeAll(t, c, []string{"survivor"})
	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}

	// a run interrupted after the index commit leaves the loose copy behind
	path := filepath.Join(c.Root(), "loose", keys[0][:2], keys[0][2:])
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("survivor"), 0644); err != nil {
		t.Fatal(err)
	}
	checkAll(t, c, keys, []string{"survivor"})

	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	s := mustStats(t, c)
	if s.LooseCount != 0 || s.PackedCount != 1 || s.PackCount != 1 {
		t.Errorf("stats = %+v, want the duplicate removed without a new pack", s)
	}
	checkAll(t, c, keys, []string{"survivor"})
}

func TestPackAllLoose_OrphanedPack(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{})

	// pack bytes stored by a run that died before committing the index
	if err := os.MkdirAll(filepath.Join(c.Root(), "packs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(c.Root(), "packs", "0"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	keys := writeAll(t, c, []string{"fresh"})
	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	orphan, err := os.ReadFile(filepath.Join(c.Root(), "packs", "0"))
	if err != nil || string(orphan) != "garbage" {
		t.Errorf("orphaned pack was touched: %q, %v", orphan, err)
	}
	checkAll(t, c, keys, []string{"fresh"})
}

func TestPackAllLoose_CorruptLoose(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{})
	keys := writeAll(t, c, []string{"original"})

	path := filepath.Join(c.Root(), "loose", keys[0][:2], keys[0][2:])
	if err := os.WriteFile(path, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.PackAllLoose(ctx, false); !errors.Is(err, ErrCorruptObject) {
		t.Errorf("err = %v, want ErrCorruptObject", err)
	}
	if s := mustStats(t, c); s.PackedCount != 0 {
		t.Errorf("corrupt object was indexed: %+v", s)
	}
}

func TestExternalStorage(t *testing.T) {
	ctx := context.Background()
	blobs, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	c := newContainer(t, Options{Storage: blobs})

	keys := writeAll(t, c, []string{"remote"})
	if ok, _ := blobs.ObjectExists(ctx, "loose/"+keys[0][:2]+"/"+keys[0][2:]); !ok {
		t.Error("loose object not written to the given storage")
	}
	if err := c.PackAllLoose(ctx, true); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	if ok, _ := blobs.ObjectExists(ctx, "packs/0"); !ok {
		t.Error("pack not written to the given storage")
	}
	checkAll(t, c, keys, []string{"remote"})
}

func TestConcurrentWritesAndPack(t *testing.T) {
	ctx := context.Background()
	c := newContainer(t, Options{})

	const writers, perWriter = 8, 20
	keys := make([][]string, writers)
	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key, err := c.WriteLoose(ctx, []byte(fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					errs <- err
					return
				}
				keys[w] = append(keys[w], key)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.PackAllLoose(ctx, false); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation: %v", err)
	}

	if err := c.PackAllLoose(ctx, false); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	for w := range keys {
		for i, key := range keys[w] {
			got, err := c.Read(ctx, key)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if want := fmt.Sprintf("w%d-%d", w, i); !bytes.Equal(got, []byte(want)) {
				t.Errorf("Read(%s) = %q, want %q", key, got, want)
			}
		}
	}
	if s := mustStats(t, c); s.LooseCount != 0 || s.PackedCount != writers*perWriter {
		t.Errorf("stats = %+v", s)
	}
}
