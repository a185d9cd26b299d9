//go:build linux

package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	fcmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// FirecrackerConfig configures the microVM backend.
type FirecrackerConfig struct {
	KernelPath string `yaml:"kernel_path"`
	RootFSPath string `yaml:"rootfs_path"`
	VCPUs      int64  `yaml:"vcpus"`
	BootArgs   string `yaml:"boot_args"`
}

// FirecrackerBackend runs each job inside its own Firecracker microVM. The
// guest has no network device; the job's console output is the job's
// stdout. Stronger isolation than the container backend at the cost of a
// prepared kernel and rootfs image.
type FirecrackerBackend struct {
	config FirecrackerConfig
}

// NewFirecrackerBackend creates the microVM backend, verifying the
// firecracker binary and images exist.
func NewFirecrackerBackend(config FirecrackerConfig) (*FirecrackerBackend, error) {
	if _, err := exec.LookPath("firecracker"); err != nil {
		return nil, fmt.Errorf("%w: firecracker binary not found", ErrSpawn)
	}
	if config.KernelPath == "" || config.RootFSPath == "" {
		return nil, fmt.Errorf("%w: kernel and rootfs paths are required", ErrSpawn)
	}
	if config.VCPUs <= 0 {
		config.VCPUs = 1
	}
	if config.BootArgs == "" {
		config.BootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	}
	return &FirecrackerBackend{config: config}, nil
}

func (b *FirecrackerBackend) Name() string { return "firecracker" }

func (b *FirecrackerBackend) Start(ctx context.Context, spec Spec) (Process, error) {
	if _, err := runtimeFor(spec.Lang); err != nil {
		return nil, err
	}

	vmDir := filepath.Join(os.TempDir(), "crucible-vm", spec.JobID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	memMiB := int64(512)
	if spec.MemoryLimitBytes > 0 {
		memMiB = spec.MemoryLimitBytes >> 20
	}

	socketPath := filepath.Join(vmDir, "api.sock")
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	cfg := firecracker.Config{
		SocketPath:      socketPath,
		LogPath:         filepath.Join(vmDir, "vm.log"),
		LogLevel:        "Warning",
		KernelImagePath: b.config.KernelPath,
		KernelArgs:      b.config.BootArgs + " crucible.cmd=" + spec.Cmd + " crucible.lang=" + spec.Lang,
		Drives: []fcmodels.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(b.config.RootFSPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(true),
			},
			{
				DriveID:      firecracker.String("workspace"),
				PathOnHost:   firecracker.String(spec.WorkspaceDir),
				IsRootDevice: firecracker.Bool(false),
				IsReadOnly:   firecracker.Bool(true),
			},
		},
		MachineCfg: fcmodels.MachineConfiguration{
			VcpuCount:  firecracker.Int64(b.config.VCPUs),
			MemSizeMib: firecracker.Int64(memMiB),
			Smt:        firecracker.Bool(false),
		},
	}

	bin, err := exec.LookPath("firecracker")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd := firecracker.VMCommandBuilder{}.
		WithBin(bin).
		WithSocketPath(socketPath).
		WithStdout(stdoutW).
		WithStderr(stderrW).
		Build(context.WithoutCancel(ctx))

	machine, err := firecracker.NewMachine(ctx, cfg, firecracker.WithProcessRunner(cmd))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := machine.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	return &vmProcess{
		machine: machine,
		vmDir:   vmDir,
		stdout:  stdoutR,
		stderr:  stderrR,
		outW:    stdoutW,
		errW:    stderrW,
	}, nil
}

type vmProcess struct {
	machine  *firecracker.Machine
	vmDir    string
	stdout   io.Reader
	stderr   io.Reader
	outW     *io.PipeWriter
	errW     *io.PipeWriter
	killOnce sync.Once
}

func (p *vmProcess) Stdout() io.Reader { return p.stdout }
func (p *vmProcess) Stderr() io.Reader { return p.stderr }

func (p *vmProcess) Wait() (int, error) {
	err := p.machine.Wait(context.Background())
	p.outW.Close()
	p.errW.Close()
	os.RemoveAll(p.vmDir)
	if err != nil {
		return -1, err
	}
	// The VMM exiting cleanly means the guest ran to completion; the
	// guest agent reports failures on the console.
	return 0, nil
}

// Kill tears down the VMM. Stopping an already-stopped VMM is a no-op.
func (p *vmProcess) Kill() error {
	p.killOnce.Do(func() {
		_ = p.machine.StopVMM()
	})
	return nil
}
