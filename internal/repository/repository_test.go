package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend/container"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/models"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/tree"
)

var policies = map[string]backend.KeyPolicy{
	"content-hash": backend.ContentHash,
	"unique":       backend.Unique,
}

func mustContent(t *testing.T, r *Repository, path, want string) {
	t.Helper()
	got, err := r.GetObjectContent(context.Background(), path)
	if err != nil {
		t.Fatalf("GetObjectContent(%s): %v", path, err)
	}
	if string(got) != want {
		t.Errorf("GetObjectContent(%s) = %q, want %q", path, got, want)
	}
}

func writeTree(t *testing.T, files map[string]string, dirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestNew_EmptyRoot(t *testing.T) {
	r := New(backend.NewMemory(backend.ContentHash))
	if !r.Hierarchy().Equal(models.EmptyRoot()) {
		t.Errorf("new repository root = %v", r.Hierarchy())
	}
	blob, err := r.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if string(blob) != "{}" {
		t.Errorf("Serialize = %s, want {}", blob)
	}
}

func TestPutObjectFromBytes(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemory(backend.ContentHash))

	key, err := r.PutObjectFromBytes(ctx, "a/b/c.txt", []byte("content"))
	if err != nil {
		t.Fatalf("PutObjectFromBytes: %v", err)
	}
	obj, err := r.GetObject("a/b/c.txt")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got, ok := obj.Key(); !ok || got != key {
		t.Errorf("key = %q, %v; want %q", got, ok, key)
	}
	if dir, _ := r.GetObject("a/b"); dir == nil || !dir.IsDir() {
		t.Error("intermediate directory not created")
	}
	mustContent(t, r, "a/b/c.txt", "content")

	// overwrite replaces the file
	if _, err := r.PutObjectFromBytes(ctx, "a/b/c.txt", []byte("new")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	mustContent(t, r, "a/b/c.txt", "new")
	if names, _ := r.ListObjectNames("a/b"); !reflect.DeepEqual(names, []string{"c.txt"}) {
		t.Errorf("ListObjectNames = %v", names)
	}
}

func TestPutObjectFromBytes_PathConflict(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemory(backend.ContentHash))
	if _, err := r.PutObjectFromBytes(ctx, "dir/file", []byte("x")); err != nil {
		t.Fatalf("PutObjectFromBytes: %v", err)
	}
	before := r.Hierarchy()

	tests := []string{
		"dir/file/below", // intermediate segment is a file
		"dir",            // file over a directory
	}
	for _, path := range tests {
		_, err := r.PutObjectFromBytes(ctx, path, []byte("y"))
		if !errors.Is(err, ErrPathConflict) {
			t.Errorf("PutObjectFromBytes(%s): err = %v, want ErrPathConflict", path, err)
		}
		var pe *PathError
		if !errors.As(err, &pe) || pe.Path != path {
			t.Errorf("PutObjectFromBytes(%s): err %v is not a PathError for the path", path, err)
		}
	}
	if r.Hierarchy() != before {
		t.Error("failed put changed the tree")
	}
}

func TestPutObjectFromBytes_InvalidPath(t *testing.T) {
	r := New(backend.NewMemory(backend.ContentHash))
	for _, path := range []string{"", "/", "/abs", "a/../b", "..", "./"} {
		_, err := r.PutObjectFromBytes(context.Background(), path, []byte("x"))
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("PutObjectFromBytes(%q): err = %v, want ErrInvalidPath", path, err)
		}
		if !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("PutObjectFromBytes(%q): err does not wrap ErrInvalidArgument", path)
		}
	}
}

func TestPutObjectFromFile(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemory(backend.ContentHash))
	src := writeTree(t, map[string]string{"in.txt": "from disk"})

	if _, err := r.PutObjectFromFile(ctx, "copy.txt", filepath.Join(src, "in.txt")); err != nil {
		t.Fatalf("PutObjectFromFile: %v", err)
	}
	mustContent(t, r, "copy.txt", "from disk")

	for _, source := range []string{filepath.Join(src, "missing"), src} {
		if _, err := r.PutObjectFromFile(ctx, "x", source); !errors.Is(err, ErrSourceNotFound) {
			t.Errorf("PutObjectFromFile(%s): err = %v, want ErrSourceNotFound", source, err)
		}
	}
}

func TestPutObjectFromTree(t *testing.T) {
	ctx := context.Background()
	src := writeTree(t, map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "beta",
		"sub/deep/c.md": "gamma",
	}, "empty", "sub/also-empty")

	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			r := New(backend.NewMemory(policy))
			if err := r.PutObjectFromTree(ctx, src, ""); err != nil {
				t.Fatalf("PutObjectFromTree: %v", err)
			}

			if names, _ := r.ListObjectNames(""); !reflect.DeepEqual(names, []string{"a.txt", "empty", "sub"}) {
				t.Errorf("root names = %v", names)
			}
			empty, err := r.GetObject("empty")
			if err != nil || !empty.IsDir() || empty.Len() != 0 {
				t.Errorf("empty directory = %v, %v", empty, err)
			}
			if obj, _ := r.GetObject("sub/also-empty"); obj == nil || !obj.IsDir() {
				t.Error("nested empty directory not imported")
			}
			mustContent(t, r, "a.txt", "alpha")
			mustContent(t, r, "sub/b.txt", "beta")
			mustContent(t, r, "sub/deep/c.md", "gamma")
			if n := tree.CountNodes(r.Hierarchy()); n != 8 {
				t.Errorf("CountNodes = %d, want 8", n)
			}
		})
	}
}

func TestPutObjectFromTree_Subpath(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemory(backend.ContentHash))
	if _, err := r.PutObjectFromBytes(ctx, "keep.txt", []byte("kept")); err != nil {
		t.Fatal(err)
	}
	src := writeTree(t, map[string]string{"x.txt": "x"})

	if err := r.PutObjectFromTree(ctx, src, "imported/here"); err != nil {
		t.Fatalf("PutObjectFromTree: %v", err)
	}
	mustContent(t, r, "keep.txt", "kept")
	mustContent(t, r, "imported/here/x.txt", "x")

	if err := r.PutObjectFromTree(ctx, src, "keep.txt"); !errors.Is(err, ErrPathConflict) {
		t.Errorf("import onto a file: err = %v, want ErrPathConflict", err)
	}
}

func TestPutObjectFromTree_SourceNotFound(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemory(backend.ContentHash))
	src := writeTree(t, map[string]string{"f": "x"})

	for _, source := range []string{filepath.Join(src, "missing"), filepath.Join(src, "f")} {
		if err := r.PutObjectFromTree(ctx, source, ""); !errors.Is(err, ErrSourceNotFound) {
			t.Errorf("PutObjectFromTree(%s): err = %v, want ErrSourceNotFound", source, err)
		}
	}
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
}

func TestPutObjectFromTree_FollowsSymlinks(t *testing.T) {
	ctx := context.Background()
	shared := writeTree(t, map[string]string{"b.txt": "world", "lib/c.txt": "deep"})
	src := writeTree(t, map[string]string{"a.txt": "hello"})
	symlink(t, filepath.Join(shared, "b.txt"), filepath.Join(src, "b.txt"))
	symlink(t, filepath.Join(shared, "lib"), filepath.Join(src, "lib"))

	r := New(backend.NewMemory(backend.ContentHash))
	if err := r.PutObjectFromTree(ctx, src, ""); err != nil {
		t.Fatalf("PutObjectFromTree: %v", err)
	}
	if names, _ := r.ListObjectNames(""); !reflect.DeepEqual(names, []string{"a.txt", "b.txt", "lib"}) {
		t.Errorf("names = %v", names)
	}
	mustContent(t, r, "b.txt", "world")
	mustContent(t, r, "lib/c.txt", "deep")
}

func TestPutObjectFromTree_SymlinkedSource(t *testing.T) {
	ctx := context.Background()
	target := writeTree(t, map[string]string{"a.txt": "hello"})
	link := filepath.Join(t.TempDir(), "raw_input")
	symlink(t, target, link)

	r := New(backend.NewMemory(backend.ContentHash))
	if err := r.PutObjectFromTree(ctx, link, ""); err != nil {
		t.Fatalf("PutObjectFromTree: %v", err)
	}
	mustContent(t, r, "a.txt", "hello")
}

func TestPutObjectFromTree_Unsupported(t *testing.T) {
	ctx := context.Background()

	broken := writeTree(t, map[string]string{"a.txt": "hello"})
	symlink(t, filepath.Join(broken, "missing"), filepath.Join(broken, "dangling"))

	loop := writeTree(t, map[string]string{"a.txt": "hello"}, "sub")
	symlink(t, loop, filepath.Join(loop, "sub", "up"))

	for name, src := range map[string]string{"broken link": broken, "link cycle": loop} {
		r := New(backend.NewMemory(backend.ContentHash))
		err := r.PutObjectFromTree(ctx, src, "")
		if !errors.Is(err, ErrUnsupportedFile) {
			t.Errorf("%s: err = %v, want ErrUnsupportedFile", name, err)
		}
		if !r.Hierarchy().Equal(models.EmptyRoot()) {
			t.Errorf("%s: failed import changed the tree: %v", name, r.Hierarchy())
		}
	}
}

func TestPutObjectFromTree_InvalidUTF8Name(t *testing.T) {
	src := writeTree(t, map[string]string{"ok.txt": "ok"})
	if err := os.WriteFile(filepath.Join(src, "a\xff"), []byte("x"), 0644); err != nil {
		t.Skipf("filesystem rejects the name: %v", err)
	}

	r := New(backend.NewMemory(backend.ContentHash))
	err := r.PutObjectFromTree(context.Background(), src, "")
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestGetObjectContent_Errors(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemory(backend.ContentHash))
	if _, err := r.PutObjectFromBytes(ctx, "dir/file", []byte("x")); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"missing", "dir", "", "dir/file/x"} {
		if _, err := r.GetObjectContent(ctx, path); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetObjectContent(%q): err = %v, want ErrNotFound", path, err)
		}
	}

	// a tree that references content the backend never stored
	if err := r.LoadSerialized([]byte(`{"o":{"ghost":{"k":"deadbeef"}}}`)); err != nil {
		t.Fatalf("LoadSerialized: %v", err)
	}
	_, err := r.GetObjectContent(ctx, "ghost")
	if !errors.Is(err, ErrContentMissing) {
		t.Errorf("err = %v, want ErrContentMissing", err)
	}
	if !errors.Is(err, backend.ErrKeyNotFound) {
		t.Errorf("err = %v does not wrap ErrKeyNotFound", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemory(backend.ContentHash)
	r := New(b)
	src := writeTree(t, map[string]string{"a.txt": "hello", "d/b.txt": "world"}, "e")
	if err := r.PutObjectFromTree(ctx, src, ""); err != nil {
		t.Fatal(err)
	}

	blob, err := r.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	explicit, err := r.SerializeFormat(tree.Explicit)
	if err != nil {
		t.Fatalf("SerializeFormat: %v", err)
	}
	saved := r.Hierarchy()

	r.Reset()
	if r.Hierarchy().Len() != 0 {
		t.Fatal("Reset left children behind")
	}

	other := New(b)
	if err := other.LoadSerialized(blob); err != nil {
		t.Fatalf("LoadSerialized: %v", err)
	}
	if !other.Hierarchy().Equal(saved) {
		t.Errorf("round trip = %v, want %v", other.Hierarchy(), saved)
	}
	mustContent(t, other, "a.txt", "hello")
	mustContent(t, other, "d/b.txt", "world")

	fromExplicit, err := tree.Deserialize(explicit, tree.Explicit, "")
	if err != nil {
		t.Fatalf("Deserialize explicit: %v", err)
	}
	if !fromExplicit.Equal(saved) {
		t.Errorf("explicit round trip = %v, want %v", fromExplicit, saved)
	}
}

func TestLoadSerialized_Malformed(t *testing.T) {
	r := New(backend.NewMemory(backend.ContentHash))
	for _, blob := range []string{`{"k":"abc"}`, `{"x":{}}`, `[]`, `not json`} {
		if err := r.LoadSerialized([]byte(blob)); !errors.Is(err, tree.ErrMalformedData) {
			t.Errorf("LoadSerialized(%s): err = %v, want ErrMalformedData", blob, err)
		}
	}
}

// Identical bytes written to two paths read back independently whether or
// not the backend deduplicates them.
func TestDedupTolerance(t *testing.T) {
	ctx := context.Background()
	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			b := backend.NewMemory(policy)
			r := New(b)
			k1, err := r.PutObjectFromBytes(ctx, "one/copy.bin", []byte("same bytes"))
			if err != nil {
				t.Fatal(err)
			}
			k2, err := r.PutObjectFromBytes(ctx, "two/copy.bin", []byte("same bytes"))
			if err != nil {
				t.Fatal(err)
			}
			if policy == backend.ContentHash && k1 != k2 {
				t.Errorf("content hash policy issued %s and %s", k1, k2)
			}
			mustContent(t, r, "one/copy.bin", "same bytes")
			mustContent(t, r, "two/copy.bin", "same bytes")

			if err := b.PackAllLoose(ctx, true); err != nil {
				t.Fatal(err)
			}
			mustContent(t, r, "one/copy.bin", "same bytes")
			mustContent(t, r, "two/copy.bin", "same bytes")
		})
	}
}

func TestContainerBackend(t *testing.T) {
	ctx := context.Background()
	c, err := container.New(filepath.Join(t.TempDir(), "container"), container.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r := New(c)
	src := writeTree(t, map[string]string{"a.txt": "hello", "b/c.txt": "hello"})
	if err := r.PutObjectFromTree(ctx, src, ""); err != nil {
		t.Fatalf("PutObjectFromTree: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.PackAllLoose(ctx, false); err != nil {
			t.Fatalf("PackAllLoose: %v", err)
		}
		mustContent(t, r, "a.txt", "hello")
		mustContent(t, r, "b/c.txt", "hello")
	}
}
