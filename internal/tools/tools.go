// Package tools defines the tool contract, the registry mapping dotted tool
// names to handlers, and the executor that drives every invocation through
// validation, guarding, policy, and audit.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies a tool for guard purposes. Execution-class tools pass
// through the guard's recursion, concurrency, and breaker checks; read-only
// tools do not.
type Kind string

const (
	KindRead    Kind = "read"
	KindExecute Kind = "execute"
)

// Tool is one declared capability an agent can invoke.
type Tool interface {
	// Name returns the dotted tool name, e.g. "vfs.read".
	Name() string
	// Description returns a short human-readable summary.
	Description() string
	// Schema returns the JSON schema the tool's arguments are validated
	// against. Nil means any arguments are accepted.
	Schema() json.RawMessage
	// Kind reports whether the tool is read-only or execution-class.
	Kind() Kind
	// Execute runs the tool. Implementations do not need to honor their
	// own timeout; the executor's race is the enforcement point.
	Execute(ctx context.Context, userID string, args json.RawMessage) (any, error)
}

// Registry maps tool names to tools. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is a startup error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool for a name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools in no particular order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
