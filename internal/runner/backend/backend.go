// Package backend abstracts how a job's process actually runs: a container
// runtime, a Firecracker microVM, or an explicitly opted-in unsandboxed
// process for local development.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrSpawn wraps failures of the isolation backend itself, distinct from
// the user's code failing once started.
var ErrSpawn = errors.New("spawn failed")

// Spec describes one process to run.
type Spec struct {
	JobID string

	// WorkspaceDir is mounted read-only; ScratchDir is the writable,
	// size-capped work area the process may use.
	WorkspaceDir string
	ScratchDir   string

	// Cmd is the bare filename inside the workspace to run; Lang selects
	// the runtime.
	Cmd  string
	Lang string

	MemoryLimitBytes int64
	PidsLimit        int
	OpenFilesLimit   int
}

// Process is one running job process. Kill is idempotent and safe against
// an already-exited process.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Kill() error
}

// Backend starts isolated processes.
type Backend interface {
	Name() string
	Start(ctx context.Context, spec Spec) (Process, error)
}

// runtimeFor maps a language to its interpreter invocation.
func runtimeFor(lang string) ([]string, error) {
	switch lang {
	case "python":
		return []string{"python3"}, nil
	case "node", "javascript":
		return []string{"node"}, nil
	case "bash", "sh":
		return []string{"bash"}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported language %q", ErrSpawn, lang)
	}
}
