package runner

import (
	"context"
	"os"
	"path/filepath"

	"github.com/haasonsaas/crucible/internal/vfs"
)

// Materializer prepares the isolated working directory a job runs against.
type Materializer interface {
	// Materialize returns a local directory path populated with the
	// user's files, and a cleanup function.
	Materialize(ctx context.Context, userID, jobID string) (string, func(), error)
}

// VFSMaterializer copies the user's stored files into a temp directory so
// the job sees a snapshot; writes by the job never touch the store.
type VFSMaterializer struct {
	store vfs.Store
}

// NewVFSMaterializer creates a materializer over the given store.
func NewVFSMaterializer(store vfs.Store) *VFSMaterializer {
	return &VFSMaterializer{store: store}
}

func (m *VFSMaterializer) Materialize(ctx context.Context, userID, jobID string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "crucible-ws-"+jobID+"-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	if err := m.copyTree(ctx, userID, "", dir); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

func (m *VFSMaterializer) copyTree(ctx context.Context, userID, from, into string) error {
	entries, err := m.store.List(ctx, userID, from)
	if err != nil {
		return err
	}
	for _, e := range entries {
		local := filepath.Join(into, filepath.FromSlash(e.Path))
		if e.Dir {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return err
			}
			if err := m.copyTree(ctx, userID, e.Path, into); err != nil {
				return err
			}
			continue
		}
		data, err := m.store.Read(ctx, userID, e.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// EmptyMaterializer provides a bare temp directory. Used when jobs carry
// their own code via a prior vfs.write or when no store is configured.
type EmptyMaterializer struct{}

func (EmptyMaterializer) Materialize(ctx context.Context, userID, jobID string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "crucible-ws-"+jobID+"-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
