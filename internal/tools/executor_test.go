package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/crucible/internal/audit"
	"github.com/haasonsaas/crucible/internal/guard"
	"github.com/haasonsaas/crucible/internal/observability"
	"github.com/haasonsaas/crucible/internal/policy"
	"github.com/haasonsaas/crucible/internal/schema"
	"github.com/haasonsaas/crucible/pkg/models"
)

type fakeTool struct {
	name    string
	kind    Kind
	schema  json.RawMessage
	calls   atomic.Int64
	execute func(ctx context.Context, userID string, args json.RawMessage) (any, error)
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool" }
func (t *fakeTool) Schema() json.RawMessage { return t.schema }
func (t *fakeTool) Kind() Kind              { return t.kind }

func (t *fakeTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	t.calls.Add(1)
	if t.execute != nil {
		return t.execute(ctx, userID, args)
	}
	return map[string]any{"ok": true}, nil
}

type harness struct {
	executor *Executor
	store    *audit.MemoryStore
	registry *Registry
}

func newHarness(t *testing.T, policies map[string]policy.Record, tools ...*fakeTool) *harness {
	t.Helper()
	registry := NewRegistry()
	validator := schema.NewValidator()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if tool.schema != nil {
			if err := validator.Register(tool.name, tool.schema); err != nil {
				t.Fatalf("Register schema: %v", err)
			}
		}
	}
	engine, err := policy.NewEngine(policies)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	store := audit.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := audit.NewRecorder(store, logger, 0)
	g := guard.New(guard.Config{MaxConcurrentPerUser: 4})
	executor := NewExecutor(ExecutorConfig{}, registry, validator, engine, g, recorder, nil, logger)
	return &harness{executor: executor, store: store, registry: registry}
}

func (h *harness) auditRows(t *testing.T) []models.AuditRecord {
	t.Helper()
	rows, err := h.store.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("List audit: %v", err)
	}
	return rows
}

func envelope(name string, args string) models.ToolCallEnvelope {
	return models.ToolCallEnvelope{ID: "call-1", Name: name, Args: json.RawMessage(args)}
}

func TestInvokeSuccess(t *testing.T) {
	tool := &fakeTool{name: "echo.tool", kind: KindRead}
	h := newHarness(t, map[string]policy.Record{
		"echo.tool": {MaxCallsPerMinute: 10, MaxBytesIn: 1 << 20, MaxBytesOut: 1 << 20},
	}, tool)

	res := h.executor.Invoke(context.Background(), envelope("echo.tool", `{"x":1}`), "alice")
	if !res.OK {
		t.Fatalf("Invoke failed: %s", res.Error)
	}
	if res.ID != "call-1" || res.Name != "echo.tool" {
		t.Errorf("envelope identity not echoed: %+v", res)
	}
	rows := h.auditRows(t)
	if len(rows) != 1 || rows[0].Status != models.AuditOK {
		t.Errorf("audit rows = %+v", rows)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	h := newHarness(t, map[string]policy.Record{})

	res := h.executor.Invoke(context.Background(), envelope("no.such.tool", `{}`), "alice")
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, ErrUnknownTool) || !strings.Contains(res.Error, "no.such.tool") {
		t.Errorf("error = %q, want UNKNOWN_TOOL with name echoed", res.Error)
	}
	for _, row := range h.auditRows(t) {
		if row.Status != models.AuditEnvelopeError {
			t.Errorf("unknown tool audited as %s", row.Status)
		}
	}
}

func TestInvokeMissingName(t *testing.T) {
	h := newHarness(t, map[string]policy.Record{})
	res := h.executor.Invoke(context.Background(), envelope("", `{}`), "alice")
	if res.OK || !strings.Contains(res.Error, ErrBadEnvelope) {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeDisabledSkipsAudit(t *testing.T) {
	tool := &fakeTool{name: "echo.tool", kind: KindRead}
	h := newHarness(t, map[string]policy.Record{"echo.tool": {MaxCallsPerMinute: 10}}, tool)
	h.executor.config.Disabled = true

	res := h.executor.Invoke(context.Background(), envelope("echo.tool", `{}`), "alice")
	if res.OK || res.Error != ErrDisabled {
		t.Errorf("result = %+v", res)
	}
	if tool.calls.Load() != 0 {
		t.Error("handler ran while protocol disabled")
	}
	if rows := h.auditRows(t); len(rows) != 0 {
		t.Errorf("disabled short-circuit wrote %d audit rows", len(rows))
	}
}

func TestInvokeSchemaFailureBeforeRateAccounting(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"],
		"additionalProperties": false
	}`)
	tool := &fakeTool{name: "vfs.read", kind: KindRead, schema: raw}
	h := newHarness(t, map[string]policy.Record{
		"vfs.read": {MaxCallsPerMinute: 1, MaxBytesIn: 1 << 20},
	}, tool)

	// Burn many malformed calls; none may charge the rate window.
	for i := 0; i < 5; i++ {
		res := h.executor.Invoke(context.Background(), envelope("vfs.read", `{"wrong":1}`), "alice")
		if res.OK {
			t.Fatal("schema-invalid call succeeded")
		}
	}
	if tool.calls.Load() != 0 {
		t.Error("handler ran on schema-invalid args")
	}

	// The first well-formed call must still fit the window of 1.
	res := h.executor.Invoke(context.Background(), envelope("vfs.read", `{"path":"a.txt"}`), "alice")
	if !res.OK {
		t.Errorf("first valid call rejected: %s", res.Error)
	}

	rows := h.auditRows(t)
	schemaErrs := 0
	for _, row := range rows {
		if row.Status == models.AuditSchemaError {
			schemaErrs++
		}
	}
	if schemaErrs != 5 {
		t.Errorf("schema_error audit rows = %d, want 5", schemaErrs)
	}
}

func TestInvokePayloadTooLarge(t *testing.T) {
	tool := &fakeTool{name: "vfs.write", kind: KindRead}
	h := newHarness(t, map[string]policy.Record{
		"vfs.write": {MaxCallsPerMinute: 100, MaxBytesIn: 10 << 20},
	}, tool)

	args := fmt.Sprintf(`{"path":"big.bin","content":%q}`, strings.Repeat("x", 50<<20))
	res := h.executor.Invoke(context.Background(), envelope("vfs.write", args), "alice")
	if res.OK {
		t.Fatal("oversized payload accepted")
	}
	pe, ok := policyCode(res.Error)
	if !ok || pe != string(policy.CodePayloadTooLarge) {
		t.Errorf("error = %q, want PAYLOAD_TOO_LARGE", res.Error)
	}
	if tool.calls.Load() != 0 {
		t.Error("handler invoked despite policy rejection")
	}
	rows := h.auditRows(t)
	if len(rows) != 1 || rows[0].Status != models.AuditPolicyError {
		t.Errorf("audit rows = %+v", rows)
	}
}

func policyCode(errStr string) (string, bool) {
	i := strings.Index(errStr, ":")
	if i < 0 {
		return "", false
	}
	return errStr[:i], true
}

func TestInvokePathTraversal(t *testing.T) {
	tool := &fakeTool{name: "vfs.read", kind: KindRead}
	h := newHarness(t, map[string]policy.Record{
		"vfs.read": {MaxCallsPerMinute: 100, MaxBytesIn: 1 << 20},
	}, tool)

	res := h.executor.Invoke(context.Background(), envelope("vfs.read", `{"path":"../../etc/passwd"}`), "alice")
	if res.OK {
		t.Fatal("traversal accepted")
	}
	if code, _ := policyCode(res.Error); code != string(policy.CodePathTraversal) {
		t.Errorf("error = %q, want PATH_TRAVERSAL", res.Error)
	}
}

func TestInvokeNoDeduplicationByID(t *testing.T) {
	tool := &fakeTool{name: "echo.tool", kind: KindRead}
	h := newHarness(t, map[string]policy.Record{
		"echo.tool": {MaxCallsPerMinute: 10, MaxBytesIn: 1 << 20},
	}, tool)

	env := envelope("echo.tool", `{"x":1}`)
	for i := 0; i < 2; i++ {
		if res := h.executor.Invoke(context.Background(), env, "alice"); !res.OK {
			t.Fatalf("Invoke %d: %s", i, res.Error)
		}
	}
	if tool.calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2 (id is not a dedup key)", tool.calls.Load())
	}
	if rows := h.auditRows(t); len(rows) != 2 {
		t.Errorf("audit rows = %d, want 2", len(rows))
	}
}

func TestInvokeTimeout(t *testing.T) {
	tool := &fakeTool{
		name: "slow.tool",
		kind: KindRead,
		execute: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	h := newHarness(t, map[string]policy.Record{
		"slow.tool": {MaxCallsPerMinute: 10, MaxBytesIn: 1 << 20, Timeout: 50 * time.Millisecond},
	}, tool)

	start := time.Now()
	res := h.executor.Invoke(context.Background(), envelope("slow.tool", `{}`), "alice")
	if res.OK || res.Error != ErrToolTimeout {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout race took %v", elapsed)
	}
	rows := h.auditRows(t)
	if len(rows) != 1 || rows[0].Status != models.AuditTimeout {
		t.Errorf("audit rows = %+v", rows)
	}
}

func TestInvokeHandlerError(t *testing.T) {
	tool := &fakeTool{
		name: "bad.tool",
		kind: KindRead,
		execute: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}
	h := newHarness(t, map[string]policy.Record{
		"bad.tool": {MaxCallsPerMinute: 10, MaxBytesIn: 1 << 20},
	}, tool)

	res := h.executor.Invoke(context.Background(), envelope("bad.tool", `{}`), "alice")
	if res.OK || !strings.Contains(res.Error, "disk on fire") {
		t.Fatalf("result = %+v", res)
	}
	rows := h.auditRows(t)
	if len(rows) != 1 || rows[0].Status != models.AuditHandlerError {
		t.Errorf("audit rows = %+v", rows)
	}
}

func TestInvokeTruncatesOversizedResult(t *testing.T) {
	tool := &fakeTool{
		name: "big.tool",
		kind: KindRead,
		execute: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
			return strings.Repeat("z", 4096), nil
		},
	}
	h := newHarness(t, map[string]policy.Record{
		"big.tool": {MaxCallsPerMinute: 10, MaxBytesIn: 1 << 20, MaxBytesOut: 128},
	}, tool)

	res := h.executor.Invoke(context.Background(), envelope("big.tool", `{}`), "alice")
	if !res.OK {
		t.Fatalf("Invoke: %s", res.Error)
	}
	if !res.Truncated {
		t.Error("oversized result not flagged truncated")
	}
	marker, ok := res.Result.(*models.TruncatedResult)
	if !ok {
		t.Fatalf("result = %T, want truncation marker", res.Result)
	}
	if marker.LimitBytes != 128 || marker.OriginalBytes <= 128 {
		t.Errorf("marker = %+v", marker)
	}
}

func TestInvokeGuardBeforePolicy(t *testing.T) {
	tool := &fakeTool{name: "runner.spawn", kind: KindExecute}
	h := newHarness(t, map[string]policy.Record{
		"runner.spawn": {MaxCallsPerMinute: 1, MaxBytesIn: 1 << 20},
	}, tool)

	// A nested call hits the recursion ceiling before the rate window.
	ctx := observability.WithToolDepth(context.Background(), 1)
	res := h.executor.Invoke(ctx, envelope("runner.spawn", `{}`), "alice")
	if res.OK {
		t.Fatal("nested execution accepted")
	}
	if _, ok := guardReason(res.Error); !ok {
		t.Errorf("error = %q, want guard rejection", res.Error)
	}

	// The guard rejection must not have charged the rate window.
	if res := h.executor.Invoke(context.Background(), envelope("runner.spawn", `{}`), "alice"); !res.OK {
		t.Errorf("first top-level call rejected: %s", res.Error)
	}
	rows := h.auditRows(t)
	if len(rows) != 2 || rows[1].Status != models.AuditGuardError {
		t.Errorf("audit rows = %+v", rows)
	}
}

func guardReason(errStr string) (string, bool) {
	if strings.Contains(errStr, "guard rejected call") {
		return errStr, true
	}
	return "", false
}

func TestInvokeGuardReleasedOnPolicyRejection(t *testing.T) {
	tool := &fakeTool{name: "runner.spawn", kind: KindExecute}
	h := newHarness(t, map[string]policy.Record{
		"runner.spawn": {MaxCallsPerMinute: 1, MaxBytesIn: 1 << 20},
	}, tool)

	// First call consumes the rate window; second is policy-rejected. The
	// guard slot taken by the second call must be released.
	if res := h.executor.Invoke(context.Background(), envelope("runner.spawn", `{}`), "alice"); !res.OK {
		t.Fatalf("first call: %s", res.Error)
	}
	res := h.executor.Invoke(context.Background(), envelope("runner.spawn", `{}`), "alice")
	if res.OK {
		t.Fatal("second call should be rate limited")
	}
	if h.executor.guard.InFlight("alice") != 0 {
		t.Errorf("in-flight = %d after rejection, want 0", h.executor.guard.InFlight("alice"))
	}
}
