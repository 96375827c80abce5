package starttask

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of task IDs. Enqueue never blocks; Dequeue
// blocks until an item arrives or the context is cancelled.
type Queue struct {
	mu     sync.Mutex
	items  []string
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a task ID and wakes one waiting consumer.
func (q *Queue) Enqueue(taskID string) {
	q.mu.Lock()
	q.items = append(q.items, taskID)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest task ID, blocking until one is
// available. Returns the context error on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			taskID := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			// Keep the signal armed for other consumers.
			if remaining > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return taskID, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued task IDs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
