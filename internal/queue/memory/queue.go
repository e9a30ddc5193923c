// Package memory provides the in-process queue that feeds download workers
// during a single pass. It holds no state beyond the pass.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan harvest.Entry
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan harvest.Entry, capacity),
	}
}

// Enqueue pushes an entry into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, e harvest.Entry) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- e:
		return nil
	}
}

// Dequeue pops the next entry, respecting context cancellation. Entries
// buffered before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Entry, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Entry{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return harvest.Entry{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case e, ok := <-q.ch:
		if !ok {
			return harvest.Entry{}, ErrClosed
		}
		return e, nil
	}
}

// Close closes the underlying channel so workers drain and exit.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
