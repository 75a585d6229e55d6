package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/msageha/cairn/internal/model"
)

// EventQueue is the unbounded FIFO shared by the file monitor, the scheduler and the
// manual trigger path. Producers never block.
type EventQueue struct {
	mu     sync.Mutex
	items  []model.TriggerEvent
	signal chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends ev and wakes a waiting consumer.
func (q *EventQueue) Enqueue(ev model.TriggerEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest event, waiting up to timeout for one to arrive. ok is false
// on timeout or when ctx is done.
func (q *EventQueue) Pop(ctx context.Context, timeout time.Duration) (model.TriggerEvent, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if ev, ok := q.take(func(model.TriggerEvent) bool { return true }); ok {
			return ev, true
		}
		select {
		case <-ctx.Done():
			return model.TriggerEvent{}, false
		case <-timer.C:
			return model.TriggerEvent{}, false
		case <-q.signal:
		}
	}
}

// Extract removes and returns the oldest event satisfying match without waiting.
// Other events keep their order.
func (q *EventQueue) Extract(match func(model.TriggerEvent) bool) (model.TriggerEvent, bool) {
	return q.take(match)
}

func (q *EventQueue) take(match func(model.TriggerEvent) bool) (model.TriggerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ev := range q.items {
		if !match(ev) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		if len(q.items) == 0 {
			q.items = nil
		}
		return ev, true
	}
	return model.TriggerEvent{}, false
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
