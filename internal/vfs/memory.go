package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in memory. Intended for tests and single-node
// development; quota accounting matches the other backends.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]memObject // key: namespace + "\x00" + path
	dirs  map[string]bool
	quota int64
	used  map[string]int64 // bytes per namespace
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore creates a memory store. quotaBytes caps per-namespace
// usage; zero means unlimited.
func NewMemoryStore(quotaBytes int64) *MemoryStore {
	return &MemoryStore{
		files: make(map[string]memObject),
		dirs:  make(map[string]bool),
		quota: quotaBytes,
		used:  make(map[string]int64),
	}
}

func key(namespace, path string) string {
	return namespace + "\x00" + path
}

func (s *MemoryStore) List(ctx context.Context, namespace, path string) ([]Entry, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	prefix := path
	if prefix != "" {
		prefix += "/"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]Entry{}
	collect := func(p string, size int64, dir bool, mod time.Time) {
		if !strings.HasPrefix(p, prefix) {
			return
		}
		rest := p[len(prefix):]
		if rest == "" {
			return
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			// A deeper object implies an intermediate directory.
			name := prefix + rest[:i]
			seen[name] = Entry{Path: name, Dir: true}
			return
		}
		seen[p] = Entry{Path: p, Size: size, Dir: dir, ModTime: mod}
	}

	nsPrefix := key(namespace, "")
	for k, obj := range s.files {
		if strings.HasPrefix(k, nsPrefix) {
			collect(k[len(nsPrefix):], int64(len(obj.data)), false, obj.modTime)
		}
	}
	for k := range s.dirs {
		if strings.HasPrefix(k, nsPrefix) {
			collect(k[len(nsPrefix):], 0, true, time.Time{})
		}
	}

	entries := make([]Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *MemoryStore) Read(ctx context.Context, namespace, path string) ([]byte, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.files[key(namespace, path)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, namespace, path string, data []byte) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return ErrConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(namespace, path)
	prev := int64(len(s.files[k].data))
	delta := int64(len(data)) - prev
	if s.quota > 0 && s.used[namespace]+delta > s.quota {
		return ErrQuotaExceeded
	}
	s.used[namespace] += delta
	s.files[k] = memObject{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (s *MemoryStore) Mkdir(ctx context.Context, namespace, path string) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[key(namespace, path)]; ok {
		return ErrConflict
	}
	s.dirs[key(namespace, path)] = true
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, namespace, path string) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(namespace, path)
	if obj, ok := s.files[k]; ok {
		s.used[namespace] -= int64(len(obj.data))
		delete(s.files, k)
		return nil
	}
	if s.dirs[k] {
		delete(s.dirs, k)
		// Remove everything under the directory.
		prefix := k + "/"
		for fk, obj := range s.files {
			if strings.HasPrefix(fk, prefix) {
				s.used[namespace] -= int64(len(obj.data))
				delete(s.files, fk)
			}
		}
		for dk := range s.dirs {
			if strings.HasPrefix(dk, prefix) {
				delete(s.dirs, dk)
			}
		}
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) Rename(ctx context.Context, namespace, src, dst string) error {
	src, err := CleanPath(src)
	if err != nil {
		return err
	}
	dst, err = CleanPath(dst)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk, dk := key(namespace, src), key(namespace, dst)
	obj, ok := s.files[sk]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.files[dk]; exists {
		return ErrConflict
	}
	s.files[dk] = obj
	delete(s.files, sk)
	return nil
}

func (s *MemoryStore) Stat(ctx context.Context, namespace, path string) (Entry, error) {
	path, err := CleanPath(path)
	if err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if obj, ok := s.files[key(namespace, path)]; ok {
		return Entry{Path: path, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
	}
	if s.dirs[key(namespace, path)] {
		return Entry{Path: path, Dir: true}, nil
	}
	return Entry{}, ErrNotFound
}
