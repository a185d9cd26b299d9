// Package policy enforces the static per-tool limits: call rate, input and
// output byte caps, path traversal rejection, and the command allow-list.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Code is a machine-readable policy rejection code. The transport layer maps
// codes to HTTP-equivalent statuses, so callers must preserve the code and
// not just the message.
type Code string

const (
	CodeRateLimit       Code = "RATE_LIMIT"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodePathTraversal   Code = "PATH_TRAVERSAL"
	CodeCmdNotAllowed   Code = "CMD_NOT_ALLOWED"
	CodeNoPolicy        Code = "NO_POLICY"
)

// Error is a typed policy rejection.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsPolicyError unwraps err into a *Error if possible.
func AsPolicyError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Record holds the static limits for one tool name. Records are loaded once
// at startup and never mutated at runtime.
type Record struct {
	MaxCallsPerMinute int
	MaxBytesIn        int
	MaxBytesOut       int
	Timeout           time.Duration

	// PathPrefix, when set, requires every path-valued argument to start
	// with this prefix. A ".." anywhere in a path argument is rejected
	// regardless of this field.
	PathPrefix string

	// CmdPattern, when set, constrains the cmd argument to an anchored
	// regular expression. This is the only gate preventing arbitrary
	// executable invocation.
	CmdPattern string
}

// rateWindowDuration is the sliding window over which calls are counted.
const rateWindowDuration = time.Minute

// pathArgNames are the argument names conventionally treated as paths.
var pathArgNames = map[string]bool{"path": true, "src": true, "dst": true}

// cmdUnsafeChars matches characters that would let a cmd argument escape
// into the shell regardless of the declared pattern.
var cmdUnsafeChars = regexp.MustCompile("[;&|`$<>\\\\\"'\r\n\x00]")

// Engine enforces policies and owns the in-memory rate-limit windows. The
// windows key on (userID, toolName) and reset on process restart; rate
// limiting is a soft abuse control, not a billing ledger.
type Engine struct {
	mu       sync.Mutex
	policies map[string]Record
	patterns map[string]*regexp.Regexp
	windows  map[string][]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewEngine creates an engine from the per-tool policy table. CmdPattern
// values are compiled anchored; a malformed pattern is an error at startup
// rather than a silent allow at call time.
func NewEngine(policies map[string]Record) (*Engine, error) {
	patterns := make(map[string]*regexp.Regexp)
	for name, rec := range policies {
		if rec.CmdPattern == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + rec.CmdPattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("policy %s: bad cmd pattern: %w", name, err)
		}
		patterns[name] = re
	}
	return &Engine{
		policies: policies,
		patterns: patterns,
		windows:  make(map[string][]time.Time),
		now:      time.Now,
	}, nil
}

// Lookup returns the policy record for a tool name.
func (e *Engine) Lookup(tool string) (Record, bool) {
	rec, ok := e.policies[tool]
	return rec, ok
}

// Enforce applies the full rule set for one call: rate limit, input size,
// path traversal, and command allow-list, in that order. args carries only
// the string-valued arguments relevant to path and command checks;
// argsBytes is the serialized size of the complete argument payload.
func (e *Engine) Enforce(tool, userID string, argsBytes int, args map[string]string) error {
	rec, ok := e.policies[tool]
	if !ok {
		return &Error{Code: CodeNoPolicy, Message: "no policy configured for tool " + tool}
	}

	if err := e.checkRate(tool, userID, rec); err != nil {
		return err
	}

	if rec.MaxBytesIn > 0 && argsBytes > rec.MaxBytesIn {
		return &Error{
			Code:    CodePayloadTooLarge,
			Message: fmt.Sprintf("argument payload is %d bytes, limit is %d", argsBytes, rec.MaxBytesIn),
		}
	}

	for name, val := range args {
		if !pathArgNames[name] {
			continue
		}
		if strings.Contains(val, "..") {
			return &Error{Code: CodePathTraversal, Message: "path argument " + name + " contains '..'"}
		}
		if rec.PathPrefix != "" && !strings.HasPrefix(val, rec.PathPrefix) {
			return &Error{
				Code:    CodePathTraversal,
				Message: fmt.Sprintf("path argument %s must start with %q", name, rec.PathPrefix),
			}
		}
	}

	if re := e.patterns[tool]; re != nil {
		cmd := args["cmd"]
		if cmd == "" || cmdUnsafeChars.MatchString(cmd) || !re.MatchString(cmd) {
			return &Error{Code: CodeCmdNotAllowed, Message: fmt.Sprintf("cmd %q is not allowed", cmd)}
		}
	}

	return nil
}

// checkRate appends the attempt to the user+tool window and rejects when the
// count exceeds the ceiling. The append happens even when the call is
// rejected: the window tracks attempts, otherwise a caller could sit at N-1
// forever.
func (e *Engine) checkRate(tool, userID string, rec Record) error {
	if rec.MaxCallsPerMinute <= 0 {
		return nil
	}

	key := userID + "|" + tool
	now := e.now()
	cutoff := now.Add(-rateWindowDuration)

	e.mu.Lock()
	defer e.mu.Unlock()

	window := e.windows[key]
	trimmed := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	trimmed = append(trimmed, now)
	e.windows[key] = trimmed

	if len(trimmed) > rec.MaxCallsPerMinute {
		return &Error{
			Code:    CodeRateLimit,
			Message: fmt.Sprintf("rate limit of %d calls/minute exceeded for %s", rec.MaxCallsPerMinute, tool),
		}
	}
	return nil
}

// Sweep drops window entries older than the rate window and removes empty
// windows. Called periodically by the maintenance scheduler.
func (e *Engine) Sweep() int {
	cutoff := e.now().Add(-rateWindowDuration)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, window := range e.windows {
		trimmed := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				trimmed = append(trimmed, ts)
			}
		}
		removed += len(window) - len(trimmed)
		if len(trimmed) == 0 {
			delete(e.windows, key)
		} else {
			e.windows[key] = trimmed
		}
	}
	return removed
}
