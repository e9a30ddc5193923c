// Package index feeds the search backend. Every write goes through one writer
// goroutine that batches concurrent Upsert calls, so the backend never sees
// concurrent writes.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
)

// ErrClosed is returned by Upsert after Close.
var ErrClosed = errors.New("index manager closed")

// Config controls write batching.
type Config struct {
	BatchSize         int
	FlushInterval     time.Duration
	FlushTimeout      time.Duration
	ExcludeUnverified bool
}

type upsertRequest struct {
	docs []harvest.Document
	done chan error
}

// Manager implements harvest.SearchIndex over a backend.
type Manager struct {
	backend harvest.SearchIndex
	cfg     Config
	logger  *zap.Logger

	mu       sync.RWMutex
	closed   bool
	requests chan upsertRequest
	stopped  chan struct{}
}

var _ harvest.SearchIndex = (*Manager)(nil)

// New starts the writer goroutine. Call Close to stop it.
func New(backend harvest.SearchIndex, cfg Config, logger *zap.Logger) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		backend:  backend,
		cfg:      cfg,
		logger:   logger.Named("index"),
		requests: make(chan upsertRequest),
		stopped:  make(chan struct{}),
	}
	go m.run()
	return m
}

// Upsert queues docs for the writer and waits for the flush that contains
// them. If ctx ends first the documents may still be written.
func (m *Manager) Upsert(ctx context.Context, docs []harvest.Document) error {
	if len(docs) == 0 {
		return nil
	}
	req := upsertRequest{docs: docs, done: make(chan error, 1)}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	select {
	case m.requests <- req:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return fmt.Errorf("queue index upsert: %w", ctx.Err())
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for index flush: %w", ctx.Err())
	}
}

// Search queries the backend, applying the unverified-content policy.
func (m *Manager) Search(ctx context.Context, q harvest.Query) (harvest.Results, error) {
	if m.cfg.ExcludeUnverified {
		q.VerifiedOnly = true
	}
	res, err := m.backend.Search(ctx, q)
	if err != nil {
		return harvest.Results{}, fmt.Errorf("search: %w", err)
	}
	return res, nil
}

// Ping checks the backend.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		return fmt.Errorf("ping index: %w", err)
	}
	return nil
}

// Close stops accepting writes, flushes what is queued and waits for the
// writer to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.requests)
	}
	m.mu.Unlock()
	<-m.stopped
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		first, ok := <-m.requests
		if !ok {
			return
		}
		batch := []upsertRequest{first}
		size := len(first.docs)
		open := true

		timer := time.NewTimer(m.cfg.FlushInterval)
	collect:
		for size < m.cfg.BatchSize {
			select {
			case req, more := <-m.requests:
				if !more {
					open = false
					break collect
				}
				batch = append(batch, req)
				size += len(req.docs)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()

		m.flush(batch)
		if !open {
			return
		}
	}
}

func (m *Manager) flush(batch []upsertRequest) {
	docs := dedupe(batch)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := m.backend.Upsert(ctx, docs)
	if err != nil {
		metrics.ObserveIndexFlush("error", len(docs))
		m.logger.Error("index flush failed", zap.Int("documents", len(docs)), zap.Error(err))
		err = fmt.Errorf("flush %d documents: %w", len(docs), err)
	} else {
		metrics.ObserveIndexFlush("ok", len(docs))
		m.logger.Debug("index flushed",
			zap.Int("documents", len(docs)),
			zap.Int("requests", len(batch)),
			zap.Duration("duration", time.Since(start)),
		)
	}
	for _, req := range batch {
		req.done <- err
	}
}

// dedupe keeps the last document per surt across the batch.
func dedupe(batch []upsertRequest) []harvest.Document {
	pos := make(map[string]int)
	var docs []harvest.Document
	for _, req := range batch {
		for _, d := range req.docs {
			if i, ok := pos[d.Surt]; ok {
				docs[i] = d
				continue
			}
			pos[d.Surt] = len(docs)
			docs = append(docs, d)
		}
	}
	return docs
}
