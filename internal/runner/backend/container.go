package backend

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// dockerImages maps languages to container images.
var dockerImages = map[string]string{
	"python":     "python:3.12-slim",
	"node":       "node:22-slim",
	"javascript": "node:22-slim",
	"bash":       "bash:5.2",
	"sh":         "bash:5.2",
}

// ContainerBackend runs jobs under a container runtime CLI with no network,
// a read-only workspace mount, and hard memory/pid/fd ceilings.
type ContainerBackend struct {
	// Runtime is the CLI binary, "docker" by default ("podman" works too).
	Runtime string
}

// NewContainerBackend creates a container backend, verifying the runtime
// binary is on PATH.
func NewContainerBackend(runtime string) (*ContainerBackend, error) {
	if runtime == "" {
		runtime = "docker"
	}
	if _, err := exec.LookPath(runtime); err != nil {
		return nil, fmt.Errorf("%w: container runtime %q not found", ErrSpawn, runtime)
	}
	return &ContainerBackend{Runtime: runtime}, nil
}

func (b *ContainerBackend) Name() string { return "container" }

func (b *ContainerBackend) Start(ctx context.Context, spec Spec) (Process, error) {
	image, ok := dockerImages[spec.Lang]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported language %q", ErrSpawn, spec.Lang)
	}
	runtimeCmd, err := runtimeFor(spec.Lang)
	if err != nil {
		return nil, err
	}

	containerName := "crucible-" + spec.JobID
	cmd := exec.Command(b.Runtime, runArgs(containerName, image, runtimeCmd, spec)...)
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

	return &containerProcess{
		runtime:   b.Runtime,
		container: containerName,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
	}, nil
}

// minMemoryMiB is the smallest container memory limit the runtimes accept.
const minMemoryMiB = 6

func runArgs(containerName, image string, runtimeCmd []string, spec Spec) []string {
	args := []string{
		"run", "--rm",
		"--name", containerName,
		"--network", "none",
		"--pids-limit", fmt.Sprintf("%d", orDefault(spec.PidsLimit, 100)),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", orDefault(spec.OpenFilesLimit, 1024), orDefault(spec.OpenFilesLimit, 1024)),
		"-v", spec.WorkspaceDir + ":/workspace:ro",
		"-w", "/workspace",
	}
	if spec.MemoryLimitBytes > 0 {
		mb := (spec.MemoryLimitBytes + (1 << 20) - 1) >> 20
		if mb < minMemoryMiB {
			mb = minMemoryMiB
		}
		mem := fmt.Sprintf("%dm", mb)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if spec.ScratchDir != "" {
		args = append(args, "-v", spec.ScratchDir+":/scratch:rw")
	}
	args = append(args, image)
	args = append(args, runtimeCmd...)
	args = append(args, "/workspace/"+spec.Cmd)
	return args
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type containerProcess struct {
	runtime   string
	container string
	cmd       *exec.Cmd
	stdout    io.Reader
	stderr    io.Reader
	killOnce  sync.Once
}

func (p *containerProcess) Stdout() io.Reader { return p.stdout }
func (p *containerProcess) Stderr() io.Reader { return p.stderr }

func (p *containerProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Kill force-removes the container, which delivers SIGKILL to the process
// tree. Killing an already-exited container is a safe no-op.
func (p *containerProcess) Kill() error {
	p.killOnce.Do(func() {
		_ = exec.Command(p.runtime, "rm", "-f", p.container).Run()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}
