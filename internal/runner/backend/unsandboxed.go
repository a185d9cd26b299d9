package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
)

// ErrIsolationRequired is returned when no isolation backend is available
// and the unsandboxed fallback has not been explicitly enabled.
var ErrIsolationRequired = errors.New("refusing to run user code without isolation")

// UnsandboxedBackend runs jobs directly on the host with no isolation. It
// exists purely for local development and must be explicitly opted into;
// NewUnsandboxedBackend refuses to construct one otherwise.
type UnsandboxedBackend struct{}

// NewUnsandboxedBackend constructs the fallback backend. allow must come
// from explicit configuration; the default posture is to refuse.
func NewUnsandboxedBackend(allow bool) (*UnsandboxedBackend, error) {
	if !allow {
		return nil, ErrIsolationRequired
	}
	return &UnsandboxedBackend{}, nil
}

func (b *UnsandboxedBackend) Name() string { return "unsandboxed" }

func (b *UnsandboxedBackend) Start(ctx context.Context, spec Spec) (Process, error) {
	runtimeCmd, err := runtimeFor(spec.Lang)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(runtimeCmd[0]); err != nil {
		return nil, fmt.Errorf("%w: runtime %q not found", ErrSpawn, runtimeCmd[0])
	}

	args := append(runtimeCmd[1:], filepath.Join(spec.WorkspaceDir, spec.Cmd))
	cmd := exec.Command(runtimeCmd[0], args...)
	cmd.Dir = spec.WorkspaceDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	return &hostProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type hostProcess struct {
	cmd      *exec.Cmd
	stdout   io.Reader
	stderr   io.Reader
	killOnce sync.Once
}

func (p *hostProcess) Stdout() io.Reader { return p.stdout }
func (p *hostProcess) Stderr() io.Reader { return p.stderr }

func (p *hostProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *hostProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}
