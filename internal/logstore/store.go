// Package logstore persists job output rows. The runner appends rows as
// output arrives; subscribers replay them before switching to the live
// stream, and runner.logs serves them after the job finishes.
package logstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/crucible/pkg/models"
)

// Store persists ordered log rows per job.
type Store interface {
	// Append stores one row. Rows for a job arrive with strictly
	// increasing sequence numbers.
	Append(ctx context.Context, row models.LogRow) error
	// List returns rows for a job with Seq > afterSeq, in sequence order.
	// limit <= 0 means no limit.
	List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.LogRow, error)
	// DeleteJob removes all rows for a job.
	DeleteJob(ctx context.Context, jobID string) error
	// Prune removes rows older than the given duration. Returns count of
	// pruned rows.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// MemoryStore keeps log rows in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]models.LogRow
}

// NewMemoryStore returns a new in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]models.LogRow)}
}

func (s *MemoryStore) Append(ctx context.Context, row models.LogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.JobID] = append(s.rows[row.JobID], row)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.LogRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.rows[jobID]
	i := sort.Search(len(all), func(i int) bool { return all[i].Seq > afterSeq })
	out := all[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]models.LogRow, len(out))
	copy(result, out)
	return result, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, jobID)
	return nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for jobID, rows := range s.rows {
		kept := rows[:0]
		for _, r := range rows {
			if r.Timestamp.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.rows, jobID)
		} else {
			s.rows[jobID] = kept
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }
