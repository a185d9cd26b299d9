// Package maintenance runs the periodic retention sweeps: expired rate
// windows, old log rows, old audit records, and terminal job state.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/crucible/internal/audit"
	"github.com/haasonsaas/crucible/internal/logstore"
	"github.com/haasonsaas/crucible/internal/observability"
	"github.com/haasonsaas/crucible/internal/policy"
	"github.com/haasonsaas/crucible/internal/runner"
)

// Config sets the sweep schedule and per-store retention windows.
type Config struct {
	// Schedule is a cron expression, including @every descriptors.
	Schedule       string
	LogRetention   time.Duration
	AuditRetention time.Duration
	JobRetention   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 10m"
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
	if c.JobRetention <= 0 {
		c.JobRetention = time.Hour
	}
}

// Sweeper owns the cron loop. Stores a sweeper is not given are skipped.
type Sweeper struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	policies *policy.Engine
	logs     logstore.Store
	audits   audit.Store
	jobs     *runner.Runner

	cron *cron.Cron
}

// New creates a sweeper. Any of policies, logs, audits, jobs may be nil.
func New(config Config, logger *slog.Logger, metrics *observability.Metrics, policies *policy.Engine, logs logstore.Store, audits audit.Store, jobs *runner.Runner) *Sweeper {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		policies: policies,
		logs:     logs,
		audits:   audits,
		jobs:     jobs,
	}
}

// Start schedules the sweep and begins running it. The returned error is a
// bad cron expression.
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.config.Schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("maintenance sweeper started", "schedule", s.config.Schedule)
	return nil
}

// Stop halts the cron loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one pass over every configured store. It never fails; a store
// error is logged and the remaining stores still get swept.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	if s.policies != nil {
		if n := s.policies.Sweep(); n > 0 {
			s.logger.Debug("swept rate windows", "removed", n)
		}
	}
	if s.logs != nil {
		n, err := s.logs.Prune(ctx, s.config.LogRetention)
		if err != nil {
			s.logger.Error("log prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned log rows", "removed", n)
		}
	}
	if s.audits != nil {
		n, err := s.audits.Prune(ctx, s.config.AuditRetention)
		if err != nil {
			s.logger.Error("audit prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned audit records", "removed", n)
		}
	}
	if s.jobs != nil {
		if n := s.jobs.Prune(s.config.JobRetention); n > 0 {
			s.logger.Info("pruned job records", "removed", n)
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}
