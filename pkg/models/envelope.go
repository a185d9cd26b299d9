package models

import "encoding/json"

// ToolCallEnvelope is the structured request an agent issues to invoke one
// declared tool. ID is a caller-supplied correlation token for audit trails;
// it is not a deduplication key. Name is a dotted tool name such as
// "vfs.read" or "runner.spawn". Args is validated against the tool's
// declared schema before any handler runs.
type ToolCallEnvelope struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResultEnvelope is the response for a single tool call. Exactly one of
// Result/Error is populated. Truncated signals the result was size-capped.
type ToolResultEnvelope struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ToolCallFrame is the stable wire format spoken by the agent orchestration
// layer: {"toolCall": {...}}.
type ToolCallFrame struct {
	ToolCall ToolCallEnvelope `json:"toolCall"`
}

// ToolResultFrame is the outbound wire format: {"toolResult": {...}}.
type ToolResultFrame struct {
	ToolResult ToolResultEnvelope `json:"toolResult"`
}

// TruncatedResult replaces a result payload that exceeded the per-tool
// output byte cap. Partial carries a best-effort prefix of the original
// serialized payload.
type TruncatedResult struct {
	Truncated     bool   `json:"truncated"`
	OriginalBytes int    `json:"original_bytes"`
	LimitBytes    int    `json:"limit_bytes"`
	Partial       string `json:"partial,omitempty"`
}
