package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

const runSchema = `{
  "type": "object",
  "required": ["cmd", "lang"],
  "properties": {
    "cmd": { "type": "string", "minLength": 1, "maxLength": 255 },
    "lang": { "type": "string", "enum": ["python", "nodejs", "go", "bash"] },
    "max_seconds": { "type": "integer", "minimum": 1, "maximum": 300 }
  },
  "additionalProperties": false
}`

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v := NewValidator()
	if err := v.Register("runner.spawn", json.RawMessage(runSchema)); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	return v
}

func TestValidate_Pass(t *testing.T) {
	v := newTestValidator(t)
	args := json.RawMessage(`{"cmd": "main.py", "lang": "python", "max_seconds": 30}`)
	if err := v.Validate("runner.spawn", args); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestValidate_ReportsAllViolations(t *testing.T) {
	v := newTestValidator(t)
	// Missing cmd, wrong lang type, out-of-range max_seconds: all three must
	// appear in the diagnostic.
	args := json.RawMessage(`{"lang": 42, "max_seconds": 0}`)
	err := v.Validate("runner.spawn", args)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Violations) < 3 {
		t.Fatalf("expected at least 3 violations, got %d: %v", len(ve.Violations), ve.Violations)
	}
	msg := err.Error()
	for _, want := range []string{"cmd", "lang", "max_seconds"} {
		if !strings.Contains(msg, want) {
			t.Errorf("diagnostic missing %q: %s", want, msg)
		}
	}
}

func TestValidate_UnknownField(t *testing.T) {
	v := newTestValidator(t)
	args := json.RawMessage(`{"cmd": "main.py", "lang": "python", "shell": true}`)
	if err := v.Validate("runner.spawn", args); err == nil {
		t.Fatal("expected rejection of unknown field")
	}
}

func TestValidate_EmptyArgs(t *testing.T) {
	v := newTestValidator(t)
	if err := v.Validate("runner.spawn", nil); err == nil {
		t.Fatal("expected rejection: required fields missing")
	}
}

func TestValidate_InvalidJSON(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("runner.spawn", json.RawMessage(`{"cmd": `))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestValidate_NoSchemaRegistered(t *testing.T) {
	v := NewValidator()
	if err := v.Validate("vfs.read", json.RawMessage(`{"path": "a.txt"}`)); err != nil {
		t.Fatalf("tools without schemas must pass: %v", err)
	}
}

func TestRegister_BadSchema(t *testing.T) {
	v := NewValidator()
	if err := v.Register("bad", json.RawMessage(`{"type": 12}`)); err == nil {
		t.Fatal("expected compile error")
	}
}
