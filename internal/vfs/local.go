package vfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore serves namespaces from subdirectories of a root directory on
// the local filesystem. Used for development; production deployments use
// the S3 store.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, mapFSError(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, mapFSError(err)
	}
	return &LocalStore{root: abs}, nil
}

// resolve returns the on-disk location for a namespace-scoped path, refusing
// anything that escapes the namespace directory.
func (s *LocalStore) resolve(namespace, path string) (string, error) {
	if strings.TrimSpace(namespace) == "" {
		return "", ErrPermissionDenied
	}
	clean, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	base := filepath.Join(s.root, namespace)
	target := filepath.Join(base, filepath.FromSlash(clean))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPermissionDenied
	}
	return target, nil
}

func (s *LocalStore) List(ctx context.Context, namespace, path string) ([]Entry, error) {
	dir, err := s.resolve(namespace, path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapFSError(err)
	}
	prefix, _ := CleanPath(path)
	if prefix != "" {
		prefix += "/"
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Path: prefix + de.Name(), Dir: de.IsDir()}
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *LocalStore) Read(ctx context.Context, namespace, path string) ([]byte, error) {
	target, err := s.resolve(namespace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, mapFSError(err)
	}
	return data, nil
}

func (s *LocalStore) Write(ctx context.Context, namespace, path string, data []byte) error {
	target, err := s.resolve(namespace, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return mapFSError(err)
	}
	return mapFSError(os.WriteFile(target, data, 0o644))
}

func (s *LocalStore) Mkdir(ctx context.Context, namespace, path string) error {
	target, err := s.resolve(namespace, path)
	if err != nil {
		return err
	}
	return mapFSError(os.MkdirAll(target, 0o755))
}

func (s *LocalStore) Remove(ctx context.Context, namespace, path string) error {
	target, err := s.resolve(namespace, path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err != nil {
		return mapFSError(err)
	}
	return mapFSError(os.RemoveAll(target))
}

func (s *LocalStore) Rename(ctx context.Context, namespace, src, dst string) error {
	from, err := s.resolve(namespace, src)
	if err != nil {
		return err
	}
	to, err := s.resolve(namespace, dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(to); err == nil {
		return ErrConflict
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return mapFSError(err)
	}
	return mapFSError(os.Rename(from, to))
}

func (s *LocalStore) Stat(ctx context.Context, namespace, path string) (Entry, error) {
	target, err := s.resolve(namespace, path)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return Entry{}, mapFSError(err)
	}
	clean, _ := CleanPath(path)
	return Entry{Path: clean, Size: info.Size(), Dir: info.IsDir(), ModTime: info.ModTime()}, nil
}

func mapFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return ErrConflict
	default:
		return ErrIO
	}
}
