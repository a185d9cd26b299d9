// Package schema validates tool-call arguments against each tool's declared
// JSON schema. Validation runs before any policy or handler code so that a
// malformed call never reaches rate-limit accounting.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports every violated constraint for a call, not just the
// first. The diagnostic is meant to be returned verbatim to the agent.
type ValidationError struct {
	Tool       string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Violations, "; "))
}

// AsValidationError unwraps err into a *ValidationError if possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Validator holds the compiled argument schemas for all registered tools.
// Schemas are compiled once at registration; Validate is safe for concurrent
// use.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for a tool name. Registering the
// same name twice replaces the previous schema.
func (v *Validator) Register(tool string, raw json.RawMessage) error {
	compiled, err := jsonschema.CompileString("tool_"+tool, string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool, err)
	}
	v.mu.Lock()
	v.compiled[tool] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks raw args against the tool's registered schema. A tool with
// no registered schema passes (the registry rejects unknown tools earlier).
func (v *Validator) Validate(tool string, args json.RawMessage) error {
	v.mu.RLock()
	compiled := v.compiled[tool]
	v.mu.RUnlock()
	if compiled == nil {
		return nil
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return &ValidationError{Tool: tool, Violations: []string{"args is not valid JSON: " + err.Error()}}
	}

	if err := compiled.Validate(payload); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Tool: tool, Violations: flatten(verr)}
		}
		return &ValidationError{Tool: tool, Violations: []string{err.Error()}}
	}
	return nil
}

// flatten walks the cause tree and collects one diagnostic per leaf
// violation, sorted for stable output.
func flatten(err *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)
	sort.Strings(out)
	return out
}
