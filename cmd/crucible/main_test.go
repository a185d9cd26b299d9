package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "version"} {
		if !names[want] {
			t.Errorf("missing %q subcommand", want)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Isolation.Backend != "container" {
		t.Errorf("unexpected defaults: %+v", cfg.Isolation)
	}
}

func TestBuildApp(t *testing.T) {
	cfg, err := loadConfig(writeServeConfig(t))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	if got := len(a.Registry.List()); got != 12 {
		t.Errorf("registered tools = %d, want 12", got)
	}
	if a.Executor == nil || a.Shim == nil || a.Runner == nil {
		t.Error("incomplete app wiring")
	}
	if !a.Shim.Blocked() {
		t.Error("shim blocked flag not carried from config")
	}
}

func writeServeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	content := `
isolation:
  backend: unsandboxed
  allow_unsandboxed: true
shim:
  blocked: true
policies:
  runner.spawn:
    max_calls_per_minute: 5
    timeout: 30s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
