package runnertools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/crucible/internal/audit"
	"github.com/haasonsaas/crucible/internal/guard"
	"github.com/haasonsaas/crucible/internal/logstore"
	"github.com/haasonsaas/crucible/internal/policy"
	"github.com/haasonsaas/crucible/internal/runner"
	"github.com/haasonsaas/crucible/internal/schema"
	"github.com/haasonsaas/crucible/internal/tools"
	"github.com/haasonsaas/crucible/pkg/models"
)

// newExecutorHarness builds a real invocation pipeline around the runner
// tools so guard accounting can be observed across a job's whole lifetime,
// not just the spawn call.
func newExecutorHarness(t *testing.T, be *stubBackend, gcfg guard.Config) (*tools.Executor, *guard.Guard, *runner.Runner) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := runner.New(runner.Config{}, be, logstore.NewMemoryStore(), nil, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	registry := tools.NewRegistry()
	if err := Register(registry, r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	validator := schema.NewValidator()
	for _, tool := range All(r) {
		if err := validator.Register(tool.Name(), tool.Schema()); err != nil {
			t.Fatalf("Register schema: %v", err)
		}
	}
	engine, err := policy.NewEngine(map[string]policy.Record{
		"runner.spawn": {MaxCallsPerMinute: 100},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	g := guard.New(gcfg)
	recorder := audit.NewRecorder(audit.NewMemoryStore(), logger, 0)
	executor := tools.NewExecutor(tools.ExecutorConfig{}, registry, validator, engine, g, recorder, nil, logger)
	return executor, g, r
}

func invokeSpawn(t *testing.T, executor *tools.Executor, userID string) models.ToolResultEnvelope {
	t.Helper()
	return executor.Invoke(context.Background(), models.ToolCallEnvelope{
		ID:   "c1",
		Name: "runner.spawn",
		Args: json.RawMessage(`{"cmd":"main.py","lang":"python"}`),
	}, userID)
}

func TestSpawnHoldsGuardSlotUntilJobEnds(t *testing.T) {
	executor, g, r := newExecutorHarness(t, &stubBackend{hold: true}, guard.Config{
		MaxRecursionDepth:    2,
		MaxConcurrentPerUser: 1,
	})

	res := invokeSpawn(t, executor, "alice")
	if !res.OK {
		t.Fatalf("first spawn failed: %s", res.Error)
	}
	jobID := res.Result.(map[string]any)["job_id"].(string)

	// The call returned, but the job is still running: the slot must stay
	// charged against the user.
	if n := g.InFlight("alice"); n != 1 {
		t.Fatalf("in-flight after spawn = %d, want 1", n)
	}

	second := invokeSpawn(t, executor, "alice")
	if second.OK {
		t.Fatal("second spawn should be rejected while the first job runs")
	}
	if !strings.Contains(second.Error, "concurrency") {
		t.Errorf("rejection = %q, want a concurrency guard error", second.Error)
	}

	if err := r.Kill(jobID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitTerminal(t, r, jobID)

	// The release fires at the terminal transition and may land just after
	// Get reports terminal.
	deadline := time.Now().Add(2 * time.Second)
	for g.InFlight("alice") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight after terminal = %d, want 0", g.InFlight("alice"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	third := invokeSpawn(t, executor, "alice")
	if !third.OK {
		t.Fatalf("spawn after the first job ended failed: %s", third.Error)
	}
}

func TestJobOutcomeFeedsBreaker(t *testing.T) {
	executor, _, r := newExecutorHarness(t, &stubBackend{exitCode: 1}, guard.Config{
		MaxRecursionDepth:    2,
		MaxConcurrentPerUser: 4,
		Breaker: guard.BreakerConfig{
			MinSamples:       1,
			FailureThreshold: 0.5,
			Cooldown:         time.Minute,
		},
	})

	res := invokeSpawn(t, executor, "alice")
	if !res.OK {
		t.Fatalf("spawn failed: %s", res.Error)
	}
	jobID := res.Result.(map[string]any)["job_id"].(string)
	if j := waitTerminal(t, r, jobID); j.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}

	// The failed exit is the breaker sample; once recorded, every further
	// execution call is rejected until the cooldown.
	deadline := time.Now().Add(2 * time.Second)
	for {
		next := invokeSpawn(t, executor, "bob")
		if !next.OK {
			if !strings.Contains(next.Error, "circuit_open") {
				t.Fatalf("rejection = %q, want an open-circuit guard error", next.Error)
			}
			return
		}
		waitTerminal(t, r, next.Result.(map[string]any)["job_id"].(string))
		if time.Now().After(deadline) {
			t.Fatal("breaker never opened after a failed job")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
