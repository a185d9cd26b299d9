package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/crucible/internal/policy"
	"github.com/haasonsaas/crucible/pkg/models"
)

// DefaultPayloadCap bounds the stored input and output payloads per record.
const DefaultPayloadCap = 64 * 1024

// Recorder caps payloads, stamps records, and writes them to the store,
// mirroring each row to the structured log.
type Recorder struct {
	store      Store
	logger     *slog.Logger
	payloadCap int
	now        func() time.Time
}

// NewRecorder creates a recorder over the given store. payloadCap bounds
// input/output bytes per record; zero applies DefaultPayloadCap.
func NewRecorder(store Store, logger *slog.Logger, payloadCap int) *Recorder {
	if payloadCap <= 0 {
		payloadCap = DefaultPayloadCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:      store,
		logger:     logger,
		payloadCap: payloadCap,
		now:        time.Now,
	}
}

// Record finalizes and persists one invocation record. ID and Timestamp
// are assigned here; InputJSON and OutputJSON are truncated to the cap.
func (r *Recorder) Record(ctx context.Context, rec models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	rec.InputJSON = policy.TruncateString(rec.InputJSON, r.payloadCap)
	rec.OutputJSON = policy.TruncateString(rec.OutputJSON, r.payloadCap)

	if err := r.store.Record(ctx, rec); err != nil {
		// Audit loss is worth its own log line; the invocation result
		// still stands.
		r.logger.ErrorContext(ctx, "audit write failed",
			"error", err,
			"tool", rec.Tool,
			"call_id", rec.CallID,
		)
		return err
	}

	r.logger.InfoContext(ctx, "tool invocation",
		"tool", rec.Tool,
		"call_id", rec.CallID,
		"user_id", rec.UserID,
		"status", string(rec.Status),
		"elapsed_ms", rec.ElapsedMS,
	)
	return nil
}
