package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/crucible/internal/audit"
	"github.com/haasonsaas/crucible/internal/config"
	"github.com/haasonsaas/crucible/internal/guard"
	"github.com/haasonsaas/crucible/internal/logstore"
	"github.com/haasonsaas/crucible/internal/maintenance"
	"github.com/haasonsaas/crucible/internal/observability"
	"github.com/haasonsaas/crucible/internal/policy"
	"github.com/haasonsaas/crucible/internal/runner"
	"github.com/haasonsaas/crucible/internal/runner/backend"
	"github.com/haasonsaas/crucible/internal/schema"
	"github.com/haasonsaas/crucible/internal/shim"
	"github.com/haasonsaas/crucible/internal/tools"
	"github.com/haasonsaas/crucible/internal/tools/runnertools"
	"github.com/haasonsaas/crucible/internal/tools/vfstools"
	"github.com/haasonsaas/crucible/internal/vfs"
)

// buildServeCmd creates the "serve" command that starts the tool runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Crucible tool runtime",
		Long: `Start the tool runtime with the configured stores and isolation backend.

The runtime will:
1. Load configuration from the specified file (or crucible.yaml)
2. Open the workspace, log, and audit stores
3. Register the vfs and runner tool handlers
4. Start the maintenance sweeper
5. Serve Prometheus metrics and health checks

Graceful shutdown is handled on SIGINT/SIGTERM: running jobs are killed
and stores are closed.`,
		Example: `  # Start with default config
  crucible serve

  # Start with custom config
  crucible serve --config /etc/crucible/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// app holds the assembled runtime. Callers embed Crucible as a library and
// reach the same pipeline through app.Executor and app.Shim.
type app struct {
	Executor *tools.Executor
	Shim     *shim.Shim
	Runner   *runner.Runner
	Registry *tools.Registry

	logs    logstore.Store
	audits  audit.Store
	sweeper *maintenance.Sweeper
	logger  *slog.Logger
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("crucible started",
		"tools", len(a.Registry.List()),
		"isolation", cfg.Isolation.Backend,
		"metrics_addr", srv.Addr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a.sweeper.Stop()
	if err := a.Runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job shutdown incomplete", "error", err)
	}
	_ = srv.Shutdown(shutdownCtx)
	if err := a.logs.Close(); err != nil {
		logger.Warn("log store close failed", "error", err)
	}
	if err := a.audits.Close(); err != nil {
		logger.Warn("audit store close failed", "error", err)
	}
	logger.Info("crucible stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildApp assembles the full pipeline from configuration.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics(nil)

	store, err := buildVFS(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open workspace store: %w", err)
	}
	logs, err := buildLogstore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	audits, err := buildAuditStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	recorder := audit.NewRecorder(audits, logger, cfg.Audit.PayloadCapBytes)

	records := make(map[string]policy.Record, len(cfg.Policies))
	for name, p := range cfg.Policies {
		records[name] = policy.Record{
			MaxCallsPerMinute: p.MaxCallsPerMinute,
			MaxBytesIn:        p.MaxBytesIn,
			MaxBytesOut:       p.MaxBytesOut,
			Timeout:           p.Timeout,
			PathPrefix:        p.PathPrefix,
			CmdPattern:        p.CmdPattern,
		}
	}
	engine, err := policy.NewEngine(records)
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}

	g := guard.New(guard.Config{
		MaxRecursionDepth:    cfg.Guard.MaxRecursionDepth,
		MaxConcurrentPerUser: cfg.Guard.MaxConcurrentPerUser,
		MemoryCeilingBytes:   cfg.Guard.MemoryCeilingBytes,
		Breaker: guard.BreakerConfig{
			Window:           cfg.Guard.Breaker.Window,
			MinSamples:       cfg.Guard.Breaker.MinSamples,
			FailureThreshold: cfg.Guard.Breaker.FailureThreshold,
			Cooldown:         cfg.Guard.Breaker.Cooldown,
			OnStateChange: func(open bool) {
				if open {
					metrics.BreakerState.Set(1)
				} else {
					metrics.BreakerState.Set(0)
				}
			},
		},
	})

	be, err := buildBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("build isolation backend: %w", err)
	}

	run := runner.New(runner.Config{
		HardTimeoutSeconds:    cfg.Runner.HardTimeoutSeconds,
		DefaultMaxSeconds:     cfg.Runner.DefaultMaxSeconds,
		DefaultMaxOutputBytes: cfg.Runner.DefaultMaxOutputBytes,
		ChunkCapBytes:         cfg.Runner.ChunkCapBytes,
		MemoryLimitBytes:      cfg.Runner.MemoryLimitBytes,
		ScratchLimitBytes:     cfg.Runner.ScratchLimitBytes,
		PidsLimit:             cfg.Runner.PidsLimit,
		OpenFilesLimit:        cfg.Runner.OpenFilesLimit,
		ArtifactExtensions:    cfg.Runner.ArtifactExtensions,
		SubscriberBuffer:      cfg.Runner.SubscriberBuffer,
		SubscriberMaxLifetime: cfg.Runner.SubscriberMaxLifetime,
	}, be, logs, runner.NewVFSMaterializer(store), metrics, logger)

	registry := tools.NewRegistry()
	if err := vfstools.Register(registry, store); err != nil {
		return nil, err
	}
	if err := runnertools.Register(registry, run); err != nil {
		return nil, err
	}

	validator := schema.NewValidator()
	for _, t := range registry.List() {
		if err := validator.Register(t.Name(), t.Schema()); err != nil {
			return nil, err
		}
	}

	executor := tools.NewExecutor(tools.ExecutorConfig{
		Disabled:       cfg.Tools.Disabled,
		TimeoutCeiling: cfg.Tools.TimeoutCeiling,
	}, registry, validator, engine, g, recorder, metrics, logger)

	sweeper := maintenance.New(maintenance.Config{
		Schedule:       cfg.Maintenance.Schedule,
		LogRetention:   cfg.Maintenance.LogRetention,
		AuditRetention: cfg.Maintenance.AuditRetention,
		JobRetention:   cfg.Maintenance.JobRetention,
	}, logger, metrics, engine, logs, audits, run)

	return &app{
		Executor: executor,
		Shim:     shim.New(cfg.Shim.Blocked),
		Runner:   run,
		Registry: registry,
		logs:     logs,
		audits:   audits,
		sweeper:  sweeper,
		logger:   logger,
	}, nil
}

func buildVFS(ctx context.Context, cfg *config.Config) (vfs.Store, error) {
	switch cfg.VFS.Backend {
	case "memory":
		return vfs.NewMemoryStore(cfg.VFS.QuotaBytes), nil
	case "local":
		return vfs.NewLocalStore(cfg.VFS.Dir)
	case "s3":
		return vfs.NewS3Store(ctx, vfs.S3Config{
			Bucket:          cfg.VFS.S3.Bucket,
			Region:          cfg.VFS.S3.Region,
			Endpoint:        cfg.VFS.S3.Endpoint,
			Prefix:          cfg.VFS.S3.Prefix,
			AccessKeyID:     cfg.VFS.S3.AccessKeyID,
			SecretAccessKey: cfg.VFS.S3.SecretAccessKey,
			UsePathStyle:    cfg.VFS.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown vfs backend %q", cfg.VFS.Backend)
	}
}

func buildLogstore(cfg *config.Config) (logstore.Store, error) {
	switch cfg.Logstore.Backend {
	case "memory":
		return logstore.NewMemoryStore(), nil
	case "sqlite":
		return logstore.NewSQLiteStore(cfg.Logstore.Path)
	default:
		return nil, fmt.Errorf("unknown logstore backend %q", cfg.Logstore.Backend)
	}
}

func buildAuditStore(cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "memory":
		return audit.NewMemoryStore(), nil
	case "sqlite":
		return audit.NewSQLiteStore(cfg.Audit.Path)
	case "postgres":
		return audit.NewPostgresStore(cfg.Audit.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

func buildBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Isolation.Backend {
	case "container":
		return backend.NewContainerBackend(cfg.Isolation.ContainerRuntime)
	case "firecracker":
		b, err := backend.NewFirecrackerBackend(backend.FirecrackerConfig{
			KernelPath: cfg.Isolation.Firecracker.KernelPath,
			RootFSPath: cfg.Isolation.Firecracker.RootFSPath,
			VCPUs:      cfg.Isolation.Firecracker.VCPUs,
			BootArgs:   cfg.Isolation.Firecracker.BootArgs,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "unsandboxed":
		return backend.NewUnsandboxedBackend(cfg.Isolation.AllowUnsandboxed)
	default:
		return nil, fmt.Errorf("unknown isolation backend %q", cfg.Isolation.Backend)
	}
}
