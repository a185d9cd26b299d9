// Package vfstools exposes the object store as vfs.* tools. Each tool is
// namespace-scoped to the invoking user; the store contract makes cross-user
// access structurally impossible.
package vfstools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/crucible/internal/tools"
	"github.com/haasonsaas/crucible/internal/vfs"
)

// Register adds every vfs.* tool to the registry.
func Register(registry *tools.Registry, store vfs.Store) error {
	for _, t := range All(store) {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// All returns the vfs tool set over a store.
func All(store vfs.Store) []tools.Tool {
	return []tools.Tool{
		&readTool{store},
		&writeTool{store},
		&listTool{store},
		&statTool{store},
		&mkdirTool{store},
		&rmTool{store},
		&mvTool{store},
	}
}

type pathArgs struct {
	Path string `json:"path"`
}

const pathSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1, "maxLength": 1024}
	},
	"required": ["path"],
	"additionalProperties": false
}`

type readTool struct{ store vfs.Store }

func (t *readTool) Name() string            { return "vfs.read" }
func (t *readTool) Description() string     { return "Read a file from the user's storage." }
func (t *readTool) Kind() tools.Kind        { return tools.KindRead }
func (t *readTool) Schema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *readTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	data, err := t.store.Read(ctx, userID, a.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": a.Path, "content": string(data), "size": len(data)}, nil
}

type writeTool struct{ store vfs.Store }

func (t *writeTool) Name() string        { return "vfs.write" }
func (t *writeTool) Description() string { return "Write a file into the user's storage." }
func (t *writeTool) Kind() tools.Kind    { return tools.KindRead }

func (t *writeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "maxLength": 1024},
			"content": {"type": "string"}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`)
}

func (t *writeTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := t.store.Write(ctx, userID, a.Path, []byte(a.Content)); err != nil {
		return nil, err
	}
	return map[string]any{"path": a.Path, "size": len(a.Content)}, nil
}

type listTool struct{ store vfs.Store }

func (t *listTool) Name() string        { return "vfs.list" }
func (t *listTool) Description() string { return "List a directory in the user's storage." }
func (t *listTool) Kind() tools.Kind    { return tools.KindRead }

func (t *listTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "maxLength": 1024}
		},
		"additionalProperties": false
	}`)
}

func (t *listTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a pathArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
	}
	entries, err := t.store.List(ctx, userID, a.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": a.Path, "entries": entries}, nil
}

type statTool struct{ store vfs.Store }

func (t *statTool) Name() string            { return "vfs.stat" }
func (t *statTool) Description() string     { return "Stat a file or directory in the user's storage." }
func (t *statTool) Kind() tools.Kind        { return tools.KindRead }
func (t *statTool) Schema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *statTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	entry, err := t.store.Stat(ctx, userID, a.Path)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type mkdirTool struct{ store vfs.Store }

func (t *mkdirTool) Name() string            { return "vfs.mkdir" }
func (t *mkdirTool) Description() string     { return "Create a directory in the user's storage." }
func (t *mkdirTool) Kind() tools.Kind        { return tools.KindRead }
func (t *mkdirTool) Schema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *mkdirTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := t.store.Mkdir(ctx, userID, a.Path); err != nil {
		return nil, err
	}
	return map[string]any{"path": a.Path, "created": true}, nil
}

type rmTool struct{ store vfs.Store }

func (t *rmTool) Name() string            { return "vfs.rm" }
func (t *rmTool) Description() string     { return "Remove a file or directory from the user's storage." }
func (t *rmTool) Kind() tools.Kind        { return tools.KindRead }
func (t *rmTool) Schema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *rmTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := t.store.Remove(ctx, userID, a.Path); err != nil {
		return nil, err
	}
	return map[string]any{"path": a.Path, "removed": true}, nil
}

type mvTool struct{ store vfs.Store }

func (t *mvTool) Name() string        { return "vfs.mv" }
func (t *mvTool) Description() string { return "Move or rename a file in the user's storage." }
func (t *mvTool) Kind() tools.Kind    { return tools.KindRead }

func (t *mvTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"src": {"type": "string", "minLength": 1, "maxLength": 1024},
			"dst": {"type": "string", "minLength": 1, "maxLength": 1024}
		},
		"required": ["src", "dst"],
		"additionalProperties": false
	}`)
}

func (t *mvTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := t.store.Rename(ctx, userID, a.Src, a.Dst); err != nil {
		return nil, err
	}
	return map[string]any{"src": a.Src, "dst": a.Dst, "moved": true}, nil
}
