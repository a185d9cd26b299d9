package vfs

import (
	"context"
	"errors"
	"testing"
)

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{"a/b/c", "a/b/c", nil},
		{"/a/b/", "a/b", nil},
		{"a//b/./c", "a/b/c", nil},
		{`a\b`, "a/b", nil},
		{"", "", nil},
		{"..", "", ErrPermissionDenied},
		{"a/../b", "", ErrPermissionDenied},
		{"a/..%2f", "a/..%2f", nil},
	}
	for _, tc := range cases {
		got, err := CleanPath(tc.in)
		if !errors.Is(err, tc.err) {
			t.Errorf("CleanPath(%q) err = %v, want %v", tc.in, err, tc.err)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Write(ctx, "alice", "notes/todo.txt", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := s.Read(ctx, "alice", "notes/todo.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read = %q, want %q", data, "hello")
	}

	e, err := s.Stat(ctx, "alice", "notes/todo.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if e.Size != 5 || e.Dir {
		t.Errorf("Stat = %+v", e)
	}
}

func TestMemoryStoreNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Write(ctx, "alice", "secret.txt", []byte("alice only")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Read(ctx, "bob", "secret.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-namespace Read err = %v, want ErrNotFound", err)
	}
	entries, err := s.List(ctx, "bob", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("cross-namespace List = %v, want empty", entries)
	}
}

func TestMemoryStoreListSynthesizesDirs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	for _, p := range []string{"a/x.txt", "a/b/y.txt", "z.txt"} {
		if err := s.Write(ctx, "u", p, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}

	entries, err := s.List(ctx, "u", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Path] = e.Dir
	}
	if dir, ok := got["a"]; !ok || !dir {
		t.Errorf("expected synthesized directory entry a, got %v", got)
	}
	if dir, ok := got["z.txt"]; !ok || dir {
		t.Errorf("expected file entry z.txt, got %v", got)
	}

	entries, err = s.List(ctx, "u", "a")
	if err != nil {
		t.Fatalf("List a: %v", err)
	}
	got = map[string]bool{}
	for _, e := range entries {
		got[e.Path] = e.Dir
	}
	if _, ok := got["a/x.txt"]; !ok {
		t.Errorf("expected a/x.txt under a, got %v", got)
	}
	if dir, ok := got["a/b"]; !ok || !dir {
		t.Errorf("expected directory a/b under a, got %v", got)
	}
}

func TestMemoryStoreQuota(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	if err := s.Write(ctx, "u", "a.txt", make([]byte, 8)); err != nil {
		t.Fatalf("Write within quota: %v", err)
	}
	if err := s.Write(ctx, "u", "b.txt", make([]byte, 8)); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Write over quota err = %v, want ErrQuotaExceeded", err)
	}
	// Overwriting counts the delta, not the full size.
	if err := s.Write(ctx, "u", "a.txt", make([]byte, 10)); err != nil {
		t.Errorf("overwrite within quota err = %v", err)
	}
	if err := s.Remove(ctx, "u", "a.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Write(ctx, "u", "c.txt", make([]byte, 10)); err != nil {
		t.Errorf("Write after Remove err = %v", err)
	}
}

func TestMemoryStoreRemoveDirRecurses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Mkdir(ctx, "u", "dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := s.Write(ctx, "u", "dir/inner.txt", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Remove(ctx, "u", "dir"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Read(ctx, "u", "dir/inner.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after recursive Remove err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRename(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Write(ctx, "u", "a.txt", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "u", "b.txt", []byte("y")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Rename(ctx, "u", "a.txt", "b.txt"); !errors.Is(err, ErrConflict) {
		t.Errorf("Rename onto existing err = %v, want ErrConflict", err)
	}
	if err := s.Rename(ctx, "u", "a.txt", "moved.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := s.Read(ctx, "u", "a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("source survived rename: %v", err)
	}
	data, err := s.Read(ctx, "u", "moved.txt")
	if err != nil || string(data) != "x" {
		t.Errorf("Read moved = %q, %v", data, err)
	}
	if err := s.Rename(ctx, "u", "missing.txt", "x.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename missing err = %v, want ErrNotFound", err)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	if err := s.Write(ctx, "alice", "a/b.txt", []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := s.Read(ctx, "alice", "a/b.txt")
	if err != nil || string(data) != "data" {
		t.Fatalf("Read = %q, %v", data, err)
	}

	entries, err := s.List(ctx, "alice", "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "a/b.txt" || entries[0].Dir {
		t.Errorf("List = %+v", entries)
	}

	if err := s.Rename(ctx, "alice", "a/b.txt", "a/c.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := s.Stat(ctx, "alice", "a/b.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat after rename err = %v, want ErrNotFound", err)
	}
	if err := s.Remove(ctx, "alice", "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Read(ctx, "alice", "a/c.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after Remove err = %v, want ErrNotFound", err)
	}
}

func TestLocalStoreEscapeRejected(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, p := range []string{"../other/x.txt", "a/../../x.txt", ".."} {
		if _, err := s.Read(ctx, "u", p); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("Read(%q) err = %v, want ErrPermissionDenied", p, err)
		}
	}
	if _, err := s.Read(ctx, "", "x.txt"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("empty namespace err = %v, want ErrPermissionDenied", err)
	}
}
