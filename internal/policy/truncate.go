package policy

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/haasonsaas/crucible/pkg/models"
)

// TruncateResult caps a serialized result at maxBytes. When the payload fits
// it is returned unchanged. When it does not, a marker object replaces it
// carrying the original byte count, the limit, and a best-effort partial
// payload; data is never dropped without signaling truncation.
func TruncateResult(result any, maxBytes int) (any, bool) {
	if maxBytes <= 0 {
		return result, false
	}
	serialized, err := json.Marshal(result)
	if err != nil {
		// Unserializable results surface as handler errors downstream.
		return result, false
	}
	if len(serialized) <= maxBytes {
		return result, false
	}

	return &models.TruncatedResult{
		Truncated:     true,
		OriginalBytes: len(serialized),
		LimitBytes:    maxBytes,
		Partial:       TruncateString(string(serialized), maxBytes),
	}, true
}

// TruncateString cuts s at maxBytes without splitting a UTF-8 sequence.
// Audit payloads use the same rule as result payloads.
func TruncateString(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := s[:maxBytes]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
