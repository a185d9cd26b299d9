package runner

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/crucible/pkg/models"
)

// Subscribe attaches a listener to a job's event stream. The returned
// channel first replays every persisted log row in insertion order, then
// carries live events, then exactly one terminal status event, after which
// it closes. The cancel function detaches the listener without affecting
// the job; a subscriber that never cancels is force-closed after the
// configured maximum lifetime.
func (r *Runner) Subscribe(ctx context.Context, jobID string) (<-chan models.JobEvent, func(), error) {
	j, err := r.find(jobID)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan models.JobEvent, r.config.SubscriberBuffer)
	stop := make(chan struct{})
	cancel := newOnceSignal(stop)

	// Snapshot the persisted rows and register for live events under the
	// same lock the consumer publishes under, so the replay strictly
	// precedes every live event with no gap and no duplicate.
	j.mu.Lock()
	rows, listErr := r.logs.List(ctx, jobID, 0, 0)
	if listErr != nil {
		j.mu.Unlock()
		return nil, nil, listErr
	}
	terminal := j.model.Status.Terminal()
	var sub *subscriber
	var subID int
	if !terminal {
		sub = &subscriber{live: make(chan models.JobEvent, r.config.SubscriberBuffer)}
		j.nextSubID++
		subID = j.nextSubID
		j.subs[subID] = sub
	}
	j.mu.Unlock()

	if r.metrics != nil {
		r.metrics.LiveSubscribers.Inc()
	}

	go func() {
		defer close(out)
		defer func() {
			if r.metrics != nil {
				r.metrics.LiveSubscribers.Dec()
			}
		}()
		detach := func() {
			if sub == nil {
				return
			}
			j.mu.Lock()
			delete(j.subs, subID)
			j.mu.Unlock()
		}
		defer detach()

		lifetime := time.NewTimer(r.config.SubscriberMaxLifetime)
		defer lifetime.Stop()

		send := func(ev models.JobEvent) bool {
			select {
			case out <- ev:
				return true
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			case <-lifetime.C:
				return false
			}
		}

		for _, row := range rows {
			if !send(rowEvent(row)) {
				return
			}
		}

		if sub != nil {
			for {
				select {
				case ev, ok := <-sub.live:
					if !ok {
						// The job reached a terminal state; emit the
						// status from the finalized snapshot so a full
						// buffer can never lose it.
						sub = nil
						goto terminalEvent
					}
					if !send(ev) {
						return
					}
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-lifetime.C:
					return
				}
			}
		}

	terminalEvent:
		final := j.snapshot()
		send(models.JobEvent{
			Type:      models.EventStatus,
			Timestamp: final.FinishedAt,
			Status:    final.Status,
			ExitCode:  final.ExitCode,
		})
	}()

	return out, cancel, nil
}

func rowEvent(row models.LogRow) models.JobEvent {
	return models.JobEvent{
		Type:      models.JobEventType(row.Stream),
		Timestamp: row.Timestamp,
		Payload:   row.Chunk,
	}
}

func newOnceSignal(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}
