// Package vfs defines the narrow object-storage contract the tools and the
// job runner consume. Every operation is scoped to a caller-supplied user
// namespace and raises one of a fixed small set of error kinds; nothing in
// this repository talks to a storage backend except through this contract.
package vfs

import (
	"context"
	"errors"
	"strings"
	"time"
)

// The fixed error kinds every Store implementation maps its failures onto.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrConflict         = errors.New("conflict")
	ErrNotImplemented   = errors.New("not implemented")
	ErrIO               = errors.New("io error")
)

// Entry describes one stored object or directory.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Store is the object-storage contract. Namespace identifies the owning
// user; implementations must never let one namespace observe another.
type Store interface {
	List(ctx context.Context, namespace, path string) ([]Entry, error)
	Read(ctx context.Context, namespace, path string) ([]byte, error)
	Write(ctx context.Context, namespace, path string, data []byte) error
	Mkdir(ctx context.Context, namespace, path string) error
	Remove(ctx context.Context, namespace, path string) error
	Rename(ctx context.Context, namespace, src, dst string) error
	Stat(ctx context.Context, namespace, path string) (Entry, error)
}

// CleanPath normalizes a storage path: forward slashes, no leading slash,
// no empty segments. Paths containing ".." are rejected with
// ErrPermissionDenied; the policy layer rejects them earlier, this is the
// backstop.
func CleanPath(path string) (string, error) {
	path = strings.ReplaceAll(path, "\\", "/")
	segments := strings.Split(path, "/")
	out := segments[:0]
	for _, s := range segments {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", ErrPermissionDenied
		}
		out = append(out, s)
	}
	return strings.Join(out, "/"), nil
}
