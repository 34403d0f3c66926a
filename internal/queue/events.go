package queue

import (
	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
)

// EventType labels queue lifecycle events.
type EventType string

// Events emitted on job completion and failure.
const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event carries a terminal job snapshot to subscribers (the orchestrator's
// metrics updater and the notifier).
type Event struct {
	Type EventType
	Job  harvest.Job
}

// Subscribe registers a new event channel. Delivery is non-blocking: a
// subscriber that falls behind loses events rather than stalling job
// bookkeeping. The channel closes when the queue closes.
func (q *Queue) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		close(ch)
		return ch
	}
	q.subs = append(q.subs, ch)
	return ch
}

func (q *Queue) emitLocked(evt Event) {
	for _, ch := range q.subs {
		select {
		case ch <- evt:
		default:
			q.logger.Warn("queue event dropped due to backpressure",
				zap.String("job_id", evt.Job.ID),
				zap.String("event", string(evt.Type)),
			)
		}
	}
}
