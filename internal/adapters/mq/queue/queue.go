// Package queue is the bounded hand-off between recalculation job submission
// and the worker pool. Only job ids travel through it; job state stays with
// the scheduler.
package queue

import (
	"context"
	"sync"

	"github.com/okian/worldsim/pkg/metrics"
)

const defaultQueueCapacity = 1024

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job id. It returns ErrFull or ErrClosed when the id was not queued.
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue returns a channel of job ids, closed when the queue is closed.
	Dequeue(ctx context.Context) <-chan string
	Len() int
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	ids      chan string
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.ids = make(chan string, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	q.observe()
	return q
}

func (q *InMemoryQueue) observe() {
	size := len(q.ids)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}

// Enqueue adds a job id without blocking.
func (q *InMemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ids <- jobID:
		q.observe()
		return nil
	default:
		return ErrFull
	}
}

// Dequeue returns a channel that receives job ids as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-q.ids:
				if !ok {
					return
				}
				q.observe()
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the current number of queued ids.
func (q *InMemoryQueue) Len() int {
	return len(q.ids)
}

// Close stops accepting ids. Ids already queued are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ids)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
