package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/crucible/pkg/models"
)

func newTestEngine(t *testing.T, policies map[string]Record) *Engine {
	t.Helper()
	e, err := NewEngine(policies)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEnforce_NoPolicy(t *testing.T) {
	e := newTestEngine(t, map[string]Record{})
	err := e.Enforce("vfs.read", "user-1", 10, nil)
	pe, ok := AsPolicyError(err)
	if !ok || pe.Code != CodeNoPolicy {
		t.Fatalf("expected NO_POLICY, got %v", err)
	}
}

func TestEnforce_RateLimit(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"vfs.read": {MaxCallsPerMinute: 3, MaxBytesIn: 1 << 20},
	})

	for i := 0; i < 3; i++ {
		if err := e.Enforce("vfs.read", "user-1", 10, nil); err != nil {
			t.Fatalf("call %d should pass: %v", i, err)
		}
	}

	err := e.Enforce("vfs.read", "user-1", 10, nil)
	pe, ok := AsPolicyError(err)
	if !ok || pe.Code != CodeRateLimit {
		t.Fatalf("4th call should hit RATE_LIMIT, got %v", err)
	}

	// The rejected attempt still counts toward the window: a 5th call is
	// also rejected even though only 3 were accepted.
	err = e.Enforce("vfs.read", "user-1", 10, nil)
	if pe, ok := AsPolicyError(err); !ok || pe.Code != CodeRateLimit {
		t.Fatalf("5th call should hit RATE_LIMIT, got %v", err)
	}

	// Different user has a separate window.
	if err := e.Enforce("vfs.read", "user-2", 10, nil); err != nil {
		t.Fatalf("other user should pass: %v", err)
	}
}

func TestEnforce_RateWindowSlides(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"vfs.read": {MaxCallsPerMinute: 1},
	})
	base := time.Now()
	e.now = func() time.Time { return base }

	if err := e.Enforce("vfs.read", "u", 1, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := e.Enforce("vfs.read", "u", 1, nil); err == nil {
		t.Fatal("second call within window should be rejected")
	}

	e.now = func() time.Time { return base.Add(61 * time.Second) }
	if err := e.Enforce("vfs.read", "u", 1, nil); err != nil {
		t.Fatalf("call after window slid should pass: %v", err)
	}
}

func TestEnforce_PayloadTooLarge(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"vfs.write": {MaxCallsPerMinute: 100, MaxBytesIn: 10 << 20},
	})
	err := e.Enforce("vfs.write", "u", 50<<20, nil)
	pe, ok := AsPolicyError(err)
	if !ok || pe.Code != CodePayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestEnforce_PathTraversal(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"vfs.read": {MaxCallsPerMinute: 100, MaxBytesIn: 1 << 20},
	})

	for _, args := range []map[string]string{
		{"path": "../etc/passwd"},
		{"path": "a/../../b"},
		{"src": "ok.txt", "dst": "../out.txt"},
		{"src": "..\\windows"},
	} {
		err := e.Enforce("vfs.read", "u", 10, args)
		pe, ok := AsPolicyError(err)
		if !ok || pe.Code != CodePathTraversal {
			t.Fatalf("args %v: expected PATH_TRAVERSAL, got %v", args, err)
		}
	}

	// Non-path argument names are not subject to the check.
	if err := e.Enforce("vfs.read", "u", 10, map[string]string{"note": ".."}); err != nil {
		t.Fatalf("non-path arg should pass: %v", err)
	}
}

func TestEnforce_PathPrefix(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"vfs.read": {MaxCallsPerMinute: 100, PathPrefix: "home/"},
	})
	if err := e.Enforce("vfs.read", "u", 10, map[string]string{"path": "home/notes.txt"}); err != nil {
		t.Fatalf("prefixed path should pass: %v", err)
	}
	err := e.Enforce("vfs.read", "u", 10, map[string]string{"path": "etc/passwd"})
	if pe, ok := AsPolicyError(err); !ok || pe.Code != CodePathTraversal {
		t.Fatalf("expected PATH_TRAVERSAL for prefix violation, got %v", err)
	}
}

func TestEnforce_CmdPattern(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"runner.spawn": {MaxCallsPerMinute: 100, CmdPattern: `[A-Za-z0-9._-]+\.(py|js|sh|go)`},
	})

	if err := e.Enforce("runner.spawn", "u", 10, map[string]string{"cmd": "main.py"}); err != nil {
		t.Fatalf("allowed cmd rejected: %v", err)
	}

	for _, cmd := range []string{
		"",
		"rm -rf /",
		"main.py; cat /etc/passwd",
		"main.exe",
		"main.py\nwhoami",
		"$(reboot).py",
	} {
		err := e.Enforce("runner.spawn", "u", 10, map[string]string{"cmd": cmd})
		pe, ok := AsPolicyError(err)
		if !ok || pe.Code != CodeCmdNotAllowed {
			t.Fatalf("cmd %q: expected CMD_NOT_ALLOWED, got %v", cmd, err)
		}
	}
}

func TestEnforce_PatternIsAnchored(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"runner.spawn": {MaxCallsPerMinute: 100, CmdPattern: `main\.py`},
	})
	err := e.Enforce("runner.spawn", "u", 10, map[string]string{"cmd": "notmain.py"})
	if pe, ok := AsPolicyError(err); !ok || pe.Code != CodeCmdNotAllowed {
		t.Fatalf("pattern must be anchored, got %v", err)
	}
}

func TestNewEngine_BadPattern(t *testing.T) {
	_, err := NewEngine(map[string]Record{"x": {CmdPattern: "("}})
	if err == nil {
		t.Fatal("expected compile error for bad pattern")
	}
}

func TestSweep(t *testing.T) {
	e := newTestEngine(t, map[string]Record{
		"vfs.read": {MaxCallsPerMinute: 10},
	})
	base := time.Now()
	e.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		_ = e.Enforce("vfs.read", "u", 1, nil)
	}

	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	if removed := e.Sweep(); removed != 5 {
		t.Fatalf("expected 5 swept entries, got %d", removed)
	}
	if len(e.windows) != 0 {
		t.Fatalf("expected empty windows after sweep, got %d", len(e.windows))
	}
}

func TestTruncateResult(t *testing.T) {
	small := map[string]string{"out": "hello"}
	got, truncated := TruncateResult(small, 1024)
	if truncated {
		t.Fatal("small payload should not be truncated")
	}
	if _, ok := got.(map[string]string); !ok {
		t.Fatalf("payload should be returned unchanged, got %T", got)
	}

	big := map[string]string{"out": strings.Repeat("x", 4096)}
	got, truncated = TruncateResult(big, 100)
	if !truncated {
		t.Fatal("oversized payload should be truncated")
	}
	marker, ok := got.(*models.TruncatedResult)
	if !ok {
		t.Fatalf("expected truncation marker, got %T", got)
	}
	if !marker.Truncated || marker.LimitBytes != 100 || marker.OriginalBytes <= 100 {
		t.Fatalf("bad marker: %+v", marker)
	}
	if len(marker.Partial) > 100 {
		t.Fatalf("partial exceeds limit: %d bytes", len(marker.Partial))
	}
}

func TestTruncateString_UTF8Boundary(t *testing.T) {
	s := "héllo wörld"
	cut := TruncateString(s, 3)
	if len(cut) > 3 {
		t.Fatalf("cut too long: %d", len(cut))
	}
	for _, r := range cut {
		if r == '�' {
			t.Fatal("cut split a UTF-8 sequence")
		}
	}
}
