// Package audit records one row per tool invocation attempt. Rejections
// and failures are recorded with the same fidelity as successes; the
// trail is the system of record for who invoked what.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/crucible/pkg/models"
)

// Store persists audit records.
type Store interface {
	Record(ctx context.Context, rec models.AuditRecord) error
	// List returns records for a user in reverse chronological order.
	// Empty userID means all users. limit <= 0 means no limit.
	List(ctx context.Context, userID string, limit int) ([]models.AuditRecord, error)
	// Prune removes records older than the given duration. Returns count
	// of pruned records.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// MemoryStore keeps audit records in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []models.AuditRecord
}

// NewMemoryStore returns a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, userID string, limit int) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditRecord
	for i := len(s.recs) - 1; i >= 0; i-- {
		if userID != "" && s.recs[i].UserID != userID {
			continue
		}
		out = append(out, s.recs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.recs[:0]
	var pruned int64
	for _, r := range s.recs {
		if r.Timestamp.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.recs = kept
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }
