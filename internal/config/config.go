package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for Crucible.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tools       ToolsConfig       `yaml:"tools"`
	Policies    map[string]Policy `yaml:"policies"`
	Guard       GuardConfig       `yaml:"guard"`
	Runner      RunnerConfig      `yaml:"runner"`
	Isolation   IsolationConfig   `yaml:"isolation"`
	VFS         VFSConfig         `yaml:"vfs"`
	Logstore    LogstoreConfig    `yaml:"logstore"`
	Audit       AuditConfig       `yaml:"audit"`
	Shim        ShimConfig        `yaml:"shim"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ToolsConfig struct {
	// Disabled turns the whole tool protocol off. Calls fail fast and
	// leave no audit trail.
	Disabled       bool          `yaml:"disabled"`
	TimeoutCeiling time.Duration `yaml:"timeout_ceiling"`
}

// Policy is the static limit table entry for one tool name.
type Policy struct {
	MaxCallsPerMinute int           `yaml:"max_calls_per_minute"`
	MaxBytesIn        int           `yaml:"max_bytes_in"`
	MaxBytesOut       int           `yaml:"max_bytes_out"`
	Timeout           time.Duration `yaml:"timeout"`
	PathPrefix        string        `yaml:"path_prefix"`
	CmdPattern        string        `yaml:"cmd_pattern"`
}

type GuardConfig struct {
	MaxRecursionDepth    int           `yaml:"max_recursion_depth"`
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
	MemoryCeilingBytes   uint64        `yaml:"memory_ceiling_bytes"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Window           time.Duration `yaml:"window"`
	MinSamples       int           `yaml:"min_samples"`
	FailureThreshold float64       `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type RunnerConfig struct {
	HardTimeoutSeconds    int           `yaml:"hard_timeout_seconds"`
	DefaultMaxSeconds     int           `yaml:"default_max_seconds"`
	DefaultMaxOutputBytes int64         `yaml:"default_max_output_bytes"`
	ChunkCapBytes         int           `yaml:"chunk_cap_bytes"`
	MemoryLimitBytes      int64         `yaml:"memory_limit_bytes"`
	ScratchLimitBytes     int64         `yaml:"scratch_limit_bytes"`
	PidsLimit             int           `yaml:"pids_limit"`
	OpenFilesLimit        int           `yaml:"open_files_limit"`
	ArtifactExtensions    []string      `yaml:"artifact_extensions"`
	SubscriberBuffer      int           `yaml:"subscriber_buffer"`
	SubscriberMaxLifetime time.Duration `yaml:"subscriber_max_lifetime"`
}

type IsolationConfig struct {
	// Backend selects the isolation mechanism: "container", "firecracker",
	// or "unsandboxed".
	Backend          string            `yaml:"backend"`
	ContainerRuntime string            `yaml:"container_runtime"`
	AllowUnsandboxed bool              `yaml:"allow_unsandboxed"`
	Firecracker      FirecrackerConfig `yaml:"firecracker"`
}

type FirecrackerConfig struct {
	KernelPath string `yaml:"kernel_path"`
	RootFSPath string `yaml:"rootfs_path"`
	VCPUs      int64  `yaml:"vcpus"`
	BootArgs   string `yaml:"boot_args"`
}

type VFSConfig struct {
	// Backend selects the workspace store: "memory", "local", or "s3".
	Backend    string   `yaml:"backend"`
	Dir        string   `yaml:"dir"`
	QuotaBytes int64    `yaml:"quota_bytes"`
	S3         S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type LogstoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type AuditConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend         string `yaml:"backend"`
	Path            string `yaml:"path"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	PayloadCapBytes int    `yaml:"payload_cap_bytes"`
}

type ShimConfig struct {
	// Blocked forces every shim-converted envelope to be returned with a
	// blocked marker instead of being executed.
	Blocked bool `yaml:"blocked"`
}

type MaintenanceConfig struct {
	// Schedule is a cron expression for the periodic sweep.
	Schedule       string        `yaml:"schedule"`
	LogRetention   time.Duration `yaml:"log_retention"`
	AuditRetention time.Duration `yaml:"audit_retention"`
	JobRetention   time.Duration `yaml:"job_retention"`
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Isolation.Backend == "" {
		cfg.Isolation.Backend = "container"
	}
	if cfg.Isolation.ContainerRuntime == "" {
		cfg.Isolation.ContainerRuntime = "docker"
	}
	if cfg.VFS.Backend == "" {
		cfg.VFS.Backend = "memory"
	}
	if cfg.Logstore.Backend == "" {
		cfg.Logstore.Backend = "memory"
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "memory"
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@every 10m"
	}
	if cfg.Maintenance.LogRetention == 0 {
		cfg.Maintenance.LogRetention = 24 * time.Hour
	}
	if cfg.Maintenance.AuditRetention == 0 {
		cfg.Maintenance.AuditRetention = 90 * 24 * time.Hour
	}
	if cfg.Maintenance.JobRetention == 0 {
		cfg.Maintenance.JobRetention = time.Hour
	}
	if len(cfg.Policies) == 0 {
		cfg.Policies = defaultPolicies()
	}
}

// defaultPolicies covers every built-in tool so an unconfigured server is
// usable out of the box. A non-empty policies table in the config file
// replaces this entirely.
func defaultPolicies() map[string]Policy {
	read := Policy{MaxCallsPerMinute: 120, MaxBytesOut: 1 << 20, Timeout: 10 * time.Second}
	write := Policy{MaxCallsPerMinute: 60, MaxBytesIn: 1 << 20, Timeout: 10 * time.Second}
	return map[string]Policy{
		"vfs.read":  read,
		"vfs.list":  read,
		"vfs.stat":  read,
		"vfs.write": write,
		"vfs.mkdir": write,
		"vfs.rm":    write,
		"vfs.mv":    write,
		"runner.spawn": {
			MaxCallsPerMinute: 10,
			MaxBytesIn:        64 << 10,
			Timeout:           30 * time.Second,
			CmdPattern:        `[A-Za-z0-9._-]+`,
		},
		"runner.status":    {MaxCallsPerMinute: 120, Timeout: 5 * time.Second},
		"runner.kill":      {MaxCallsPerMinute: 60, Timeout: 5 * time.Second},
		"runner.logs":      {MaxCallsPerMinute: 120, MaxBytesOut: 1 << 20, Timeout: 10 * time.Second},
		"runner.artifacts": {MaxCallsPerMinute: 60, Timeout: 10 * time.Second},
	}
}

func (c *Config) validate() error {
	switch c.Isolation.Backend {
	case "container", "firecracker", "unsandboxed":
	default:
		return fmt.Errorf("isolation.backend: unknown backend %q", c.Isolation.Backend)
	}
	if c.Isolation.Backend == "firecracker" {
		if c.Isolation.Firecracker.KernelPath == "" || c.Isolation.Firecracker.RootFSPath == "" {
			return fmt.Errorf("isolation.firecracker: kernel_path and rootfs_path are required")
		}
	}

	switch c.VFS.Backend {
	case "memory":
	case "local":
		if c.VFS.Dir == "" {
			return fmt.Errorf("vfs.dir is required for the local backend")
		}
	case "s3":
		if c.VFS.S3.Bucket == "" {
			return fmt.Errorf("vfs.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("vfs.backend: unknown backend %q", c.VFS.Backend)
	}

	switch c.Logstore.Backend {
	case "memory":
	case "sqlite":
		if c.Logstore.Path == "" {
			return fmt.Errorf("logstore.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("logstore.backend: unknown backend %q", c.Logstore.Backend)
	}

	switch c.Audit.Backend {
	case "memory":
	case "sqlite":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			return fmt.Errorf("audit.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("audit.backend: unknown backend %q", c.Audit.Backend)
	}

	for name, pol := range c.Policies {
		if pol.MaxBytesIn < 0 || pol.MaxBytesOut < 0 || pol.MaxCallsPerMinute < 0 {
			return fmt.Errorf("policies.%s: limits must not be negative", name)
		}
	}
	return nil
}
