package vfstools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/crucible/internal/tools"
	"github.com/haasonsaas/crucible/internal/vfs"
)

func setup(t *testing.T) (*tools.Registry, vfs.Store) {
	t.Helper()
	store := vfs.NewMemoryStore(0)
	registry := tools.NewRegistry()
	if err := Register(registry, store); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return registry, store
}

func exec(t *testing.T, registry *tools.Registry, name, userID, args string) (any, error) {
	t.Helper()
	tool, ok := registry.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tool.Execute(context.Background(), userID, json.RawMessage(args))
}

func TestWriteReadRoundTrip(t *testing.T) {
	registry, _ := setup(t)

	if _, err := exec(t, registry, "vfs.write", "alice", `{"path":"notes.txt","content":"hello"}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := exec(t, registry, "vfs.read", "alice", `{"path":"notes.txt"}`)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.(map[string]any)["content"] != "hello" {
		t.Errorf("read = %v", res)
	}
}

func TestNamespaceScoping(t *testing.T) {
	registry, _ := setup(t)

	if _, err := exec(t, registry, "vfs.write", "alice", `{"path":"secret.txt","content":"x"}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := exec(t, registry, "vfs.read", "bob", `{"path":"secret.txt"}`)
	if !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("cross-user read err = %v, want ErrNotFound", err)
	}
}

func TestListStatMkdirRmMv(t *testing.T) {
	registry, _ := setup(t)

	if _, err := exec(t, registry, "vfs.mkdir", "u", `{"path":"dir"}`); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := exec(t, registry, "vfs.write", "u", `{"path":"dir/a.txt","content":"a"}`); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := exec(t, registry, "vfs.stat", "u", `{"path":"dir/a.txt"}`)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if entry := res.(vfs.Entry); entry.Size != 1 || entry.Dir {
		t.Errorf("stat = %+v", entry)
	}

	if _, err := exec(t, registry, "vfs.mv", "u", `{"src":"dir/a.txt","dst":"dir/b.txt"}`); err != nil {
		t.Fatalf("mv: %v", err)
	}
	res, err = exec(t, registry, "vfs.list", "u", `{"path":"dir"}`)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	entries := res.(map[string]any)["entries"].([]vfs.Entry)
	if len(entries) != 1 || entries[0].Path != "dir/b.txt" {
		t.Errorf("entries = %+v", entries)
	}

	if _, err := exec(t, registry, "vfs.rm", "u", `{"path":"dir"}`); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := exec(t, registry, "vfs.read", "u", `{"path":"dir/b.txt"}`); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("read after rm err = %v", err)
	}
}
