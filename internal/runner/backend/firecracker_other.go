//go:build !linux

package backend

import "fmt"

// FirecrackerConfig configures the microVM backend. Firecracker only runs
// on Linux; this stub keeps the configuration surface identical elsewhere.
type FirecrackerConfig struct {
	KernelPath string `yaml:"kernel_path"`
	RootFSPath string `yaml:"rootfs_path"`
	VCPUs      int64  `yaml:"vcpus"`
	BootArgs   string `yaml:"boot_args"`
}

// NewFirecrackerBackend always fails off Linux.
func NewFirecrackerBackend(config FirecrackerConfig) (Backend, error) {
	return nil, fmt.Errorf("%w: firecracker backend requires linux", ErrSpawn)
}
