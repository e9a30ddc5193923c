// Package worker runs download attempts pulled from a pass queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
	"github.com/JakeFAU/wayback-harvester/internal/queue/memory"
)

// Queue is the source of entries a worker consumes.
type Queue interface {
	Dequeue(ctx context.Context) (harvest.Entry, error)
}

// Handler processes one entry. A returned error stops the worker.
type Handler func(ctx context.Context, e harvest.Entry) error

// Worker consumes entries until the queue is drained or the context ends.
type Worker struct {
	id     int
	queue  Queue
	handle Handler
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue Queue, handle Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		handle: handle,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming entries. It returns nil when the queue is closed and
// drained or the context is canceled, and the handler's error otherwise.
// Cancellation is only observed between entries.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		e, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d dequeue: %w", w.id, err)
		}
		w.logger.Debug("dequeued entry", zap.Int64("entry_id", e.ID), zap.String("surt", e.Surt))
		if err := w.handle(ctx, e); err != nil {
			return fmt.Errorf("worker %d entry %d: %w", w.id, e.ID, err)
		}
	}
}
