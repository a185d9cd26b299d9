package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/crucible/internal/audit"
	"github.com/haasonsaas/crucible/internal/guard"
	"github.com/haasonsaas/crucible/internal/observability"
	"github.com/haasonsaas/crucible/internal/policy"
	"github.com/haasonsaas/crucible/pkg/models"
)

// Stable error strings returned to callers. The agent loop branches on
// these, so they never change shape.
const (
	ErrDisabled     = "TOOL_PROTOCOL_DISABLED"
	ErrBadEnvelope  = "MALFORMED_ENVELOPE"
	ErrUnknownTool  = "UNKNOWN_TOOL"
	ErrToolTimeout  = "TOOL_TIMEOUT"
	ErrHandlerError = "HANDLER_ERROR"
)

// DefaultTimeout applies when a tool's policy does not set one.
const DefaultTimeout = 30 * time.Second

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	// Disabled short-circuits every invocation with ErrDisabled without
	// touching the registry or the audit trail.
	Disabled bool

	// TimeoutCeiling caps per-tool policy timeouts. Zero means no cap.
	TimeoutCeiling time.Duration
}

// Executor drives one tool call through validation, guarding, policy,
// handler invocation with a hard timeout, truncation, and audit. It is the
// single entry point for both calling conventions.
type Executor struct {
	config    ExecutorConfig
	registry  *Registry
	validator ArgsValidator
	policies  *policy.Engine
	guard     *guard.Guard
	recorder  *audit.Recorder
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// ArgsValidator is satisfied by schema.Validator.
type ArgsValidator interface {
	Validate(tool string, args json.RawMessage) error
}

// NewExecutor wires the invocation pipeline. All collaborators are
// constructed once at process start and shared by reference.
func NewExecutor(
	config ExecutorConfig,
	registry *Registry,
	validator ArgsValidator,
	policies *policy.Engine,
	g *guard.Guard,
	recorder *audit.Recorder,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		config:    config,
		registry:  registry,
		validator: validator,
		policies:  policies,
		guard:     g,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger,
	}
}

// Invoke runs one call envelope to completion. It never panics outward and
// always returns a result envelope; every invocation that reaches the
// registry writes exactly one audit row, whichever stage decided the
// outcome.
func (e *Executor) Invoke(ctx context.Context, env models.ToolCallEnvelope, userID string) models.ToolResultEnvelope {
	if e.config.Disabled {
		return failure(env, ErrDisabled)
	}

	started := time.Now()
	ctx = observability.WithToolCallID(ctx, env.ID)
	ctx = observability.WithUserID(ctx, userID)

	if env.Name == "" {
		e.audit(ctx, env, userID, models.AuditEnvelopeError, nil, started)
		return failure(env, ErrBadEnvelope+": envelope is missing a tool name")
	}

	tool, ok := e.registry.Get(env.Name)
	if !ok {
		e.audit(ctx, env, userID, models.AuditEnvelopeError, nil, started)
		return failure(env, fmt.Sprintf("%s: %s", ErrUnknownTool, env.Name))
	}

	if err := e.validator.Validate(env.Name, env.Args); err != nil {
		e.audit(ctx, env, userID, models.AuditSchemaError, err, started)
		e.count(env.Name, models.AuditSchemaError)
		return failure(env, err.Error())
	}

	// Execution-class tools pass the guard before policy so a tripped
	// breaker or a recursing agent never charges the rate window. The
	// slot rides the context so a handler that spawns a job can claim it
	// and keep it held until the job ends.
	var release func(ok bool)
	var slot *observability.ExecSlot
	if tool.Kind() == KindExecute {
		var err error
		release, err = e.guard.Acquire(userID, observability.GetToolDepth(ctx))
		if err != nil {
			if ge, ok := guard.AsGuardError(err); ok && e.metrics != nil {
				e.metrics.GuardRejectionCounter.WithLabelValues(string(ge.Reason)).Inc()
			}
			e.audit(ctx, env, userID, models.AuditGuardError, err, started)
			e.count(env.Name, models.AuditGuardError)
			return failure(env, err.Error())
		}
		slot = observability.NewExecSlot(release)
		ctx = observability.WithExecSlot(ctx, slot)
	}

	if err := e.policies.Enforce(env.Name, userID, len(env.Args), stringArgs(env.Args)); err != nil {
		if release != nil {
			release(false)
		}
		if pe, ok := policy.AsPolicyError(err); ok && e.metrics != nil {
			e.metrics.PolicyRejectionCounter.WithLabelValues(env.Name, string(pe.Code)).Inc()
		}
		e.audit(ctx, env, userID, models.AuditPolicyError, err, started)
		e.count(env.Name, models.AuditPolicyError)
		return failure(env, err.Error())
	}

	rec, _ := e.policies.Lookup(env.Name)
	result, err := e.race(ctx, tool, userID, env.Args, e.timeoutFor(rec))
	elapsed := time.Since(started)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if release != nil {
			release(false)
		}
		e.auditResult(ctx, env, userID, models.AuditTimeout, ErrToolTimeout, elapsed)
		e.count(env.Name, models.AuditTimeout)
		return failure(env, ErrToolTimeout)
	case err != nil:
		if release != nil {
			release(false)
		}
		e.auditResult(ctx, env, userID, models.AuditHandlerError, err.Error(), elapsed)
		e.count(env.Name, models.AuditHandlerError)
		return failure(env, fmt.Sprintf("%s: %s", ErrHandlerError, err.Error()))
	}

	// A claimed slot now belongs to the spawned job; its terminal state
	// releases the slot and feeds the breaker. Release here only when the
	// handler's work ended with the call.
	if release != nil && !slot.Claimed() {
		release(true)
	}

	truncated := false
	if rec.MaxBytesOut > 0 {
		result, truncated = policy.TruncateResult(result, rec.MaxBytesOut)
	}

	out, _ := json.Marshal(result)
	e.auditResult(ctx, env, userID, models.AuditOK, string(out), elapsed)
	e.count(env.Name, models.AuditOK)
	if e.metrics != nil {
		e.metrics.ToolInvocationDuration.WithLabelValues(env.Name).Observe(elapsed.Seconds())
	}

	return models.ToolResultEnvelope{
		ID:        env.ID,
		Name:      env.Name,
		OK:        true,
		Result:    result,
		Truncated: truncated,
	}
}

// race invokes the handler against a hard deadline. The handler goroutine
// keeps running after a timeout until its context cancels; the buffered
// channel lets it finish and exit instead of leaking.
func (e *Executor) race(ctx context.Context, tool Tool, userID string, args json.RawMessage, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(ctx, "tool handler panicked", "tool", tool.Name(), "panic", r)
				ch <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := tool.Execute(ctx, userID, args)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) timeoutFor(rec policy.Record) time.Duration {
	timeout := rec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if ceiling := e.config.TimeoutCeiling; ceiling > 0 && timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}

func (e *Executor) audit(ctx context.Context, env models.ToolCallEnvelope, userID string, status models.AuditStatus, cause error, started time.Time) {
	output := ""
	if cause != nil {
		output = cause.Error()
	}
	e.auditResult(ctx, env, userID, status, output, time.Since(started))
}

func (e *Executor) auditResult(ctx context.Context, env models.ToolCallEnvelope, userID string, status models.AuditStatus, output string, elapsed time.Duration) {
	if e.recorder == nil {
		return
	}
	_ = e.recorder.Record(ctx, models.AuditRecord{
		UserID:     userID,
		Tool:       env.Name,
		CallID:     env.ID,
		InputJSON:  string(env.Args),
		OutputJSON: output,
		Status:     status,
		ElapsedMS:  elapsed.Milliseconds(),
	})
}

func (e *Executor) count(tool string, status models.AuditStatus) {
	if e.metrics != nil {
		e.metrics.ToolInvocationCounter.WithLabelValues(tool, string(status)).Inc()
	}
}

// stringArgs extracts the string-valued arguments the policy engine checks
// for path traversal and command allow-listing.
func stringArgs(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}
	out := make(map[string]string)
	for k, v := range all {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func failure(env models.ToolCallEnvelope, msg string) models.ToolResultEnvelope {
	return models.ToolResultEnvelope{
		ID:    env.ID,
		Name:  env.Name,
		OK:    false,
		Error: msg,
	}
}
