package models

import "time"

// AuditStatus is the machine-readable outcome recorded for one tool
// invocation attempt. Rejected and failed attempts are recorded alongside
// successes; the audit trail is a superset of successful calls.
type AuditStatus string

const (
	AuditOK            AuditStatus = "ok"
	AuditEnvelopeError AuditStatus = "envelope_error"
	AuditSchemaError   AuditStatus = "schema_error"
	AuditPolicyError   AuditStatus = "policy_error"
	AuditGuardError    AuditStatus = "guard_error"
	AuditHandlerError  AuditStatus = "handler_error"
	AuditTimeout       AuditStatus = "timeout"
)

// AuditRecord is written exactly once per executor invocation attempt.
// InputJSON and OutputJSON are truncated to the same byte cap as result
// payloads before storage.
type AuditRecord struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Tool       string      `json:"tool"`
	CallID     string      `json:"call_id"`
	InputJSON  string      `json:"input_json"`
	OutputJSON string      `json:"output_json"`
	Status     AuditStatus `json:"status"`
	ElapsedMS  int64       `json:"elapsed_ms"`
}
