package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Debug("packing loose objects", String("container", "c1"), Int("objects", 3))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"packing loose objects"`, `"container":"c1"`, `"objects":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.log")
	if err := Init(Config{Level: "info", OutputPath: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Debug("hidden")
	SetLevel("debug")
	Debug("visible")
	SetLevel("not-a-level")
	Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Error("debug message logged at info level")
	}
	if !strings.Contains(string(data), "visible") {
		t.Error("debug message missing after SetLevel(debug)")
	}
}

func TestWithFields(t *testing.T) {
	SetLogger(zap.NewNop())
	ctx := context.Background()
	if WithContext(ctx) != L() {
		t.Error("WithContext without logger should return the global logger")
	}
	ctx = WithFields(ctx, String("run_id", "r1"))
	if WithContext(ctx) == L() {
		t.Error("WithFields should attach a derived logger")
	}
}
