// Package download selects due entries and fetches, stores and records them.
// Per-entry failures are recorded as DownloadFailure rows and never abort a
// pass; store outages and digest collisions do.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/dispatcher"
	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/hash/sha1"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
	"github.com/JakeFAU/wayback-harvester/internal/queue/memory"
	"github.com/JakeFAU/wayback-harvester/internal/worker"
)

// Outcome classifies an attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeStored   Outcome = "stored"
	OutcomeShortcut Outcome = "shortcut"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// Result describes one attempt.
type Result struct {
	Outcome    Outcome
	SnapshotID int64
	Digest     string
	Verified   bool
}

// Config controls selection and the worker pool.
type Config struct {
	Concurrency   int
	BatchSize     int
	MimeTypes     []string
	Backoff       harvest.Backoff
	LocalShortcut bool
	SuccessTopic  string
}

// Report summarizes a download pass.
type Report struct {
	Attempted  int `json:"attempted"`
	Stored     int `json:"stored"`
	Shortcut   int `json:"shortcut"`
	Failed     int `json:"failed"`
	Unverified int `json:"unverified"`
}

// SnapshotStored is published after a capture's bytes are stored.
type SnapshotStored struct {
	EntryID     int64     `json:"entry_id"`
	SnapshotID  int64     `json:"snapshot_id"`
	URL         string    `json:"url"`
	Surt        string    `json:"surt"`
	CaptureTime time.Time `json:"capture_time"`
	Digest      string    `json:"digest"`
	Verified    bool      `json:"verified"`
}

// Orchestrator runs download attempts.
type Orchestrator struct {
	store     harvest.DownloadStore
	content   harvest.ContentStore
	fetcher   harvest.Fetcher
	publisher harvest.Publisher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. publisher may be nil.
func New(
	store harvest.DownloadStore,
	content harvest.ContentStore,
	fetcher harvest.Fetcher,
	publisher harvest.Publisher,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		content:   content,
		fetcher:   fetcher,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("download"),
	}
}

// Attempt downloads one entry. Transport failures are recorded and reported
// as OutcomeFailed with a nil error. A canceled fetch records nothing and
// returns the context error. Once bytes have arrived the entry is persisted
// even if ctx is canceled.
func (o *Orchestrator) Attempt(ctx context.Context, e harvest.Entry) (Result, error) {
	if o.cfg.LocalShortcut && sha1.Valid(e.ClaimedDigest) {
		exists, err := o.content.Exists(ctx, e.ClaimedDigest)
		if err != nil {
			return Result{Outcome: OutcomeSkipped}, fmt.Errorf("check local content %s: %w", e.ClaimedDigest, err)
		}
		if exists {
			snapshotID, err := o.recordSuccess(context.WithoutCancel(ctx), e, e.ClaimedDigest, true)
			if err != nil {
				return Result{Outcome: OutcomeSkipped}, err
			}
			metrics.ObserveDownload(string(OutcomeShortcut), 0)
			return Result{Outcome: OutcomeShortcut, SnapshotID: snapshotID, Digest: e.ClaimedDigest, Verified: true}, nil
		}
	}

	var (
		data []byte
		err  error
	)
	if e.StatusCode != nil && harvest.IsRedirectStatus(*e.StatusCode) {
		data, err = o.fetchRedirect(ctx, e)
	} else {
		data, err = o.fetcher.Fetch(ctx, e.URL, e.CaptureTime)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeSkipped}, fmt.Errorf("fetch entry %d: %w", e.ID, ctx.Err())
		}
		return o.recordFailure(context.WithoutCancel(ctx), e, err)
	}

	persistCtx := context.WithoutCancel(ctx)
	digest, err := o.content.Put(persistCtx, data)
	if err != nil {
		return Result{Outcome: OutcomeSkipped}, fmt.Errorf("store entry %d: %w", e.ID, err)
	}
	verified := digest == e.ClaimedDigest
	snapshotID, err := o.recordSuccess(persistCtx, e, digest, verified)
	if err != nil {
		return Result{Outcome: OutcomeSkipped}, err
	}
	metrics.ObserveDownload(string(OutcomeStored), len(data))
	if !verified {
		o.logger.Warn("digest mismatch",
			zap.Int64("entry_id", e.ID),
			zap.String("claimed", e.ClaimedDigest),
			zap.String("actual", digest),
		)
	}
	o.publish(persistCtx, SnapshotStored{
		EntryID:     e.ID,
		SnapshotID:  snapshotID,
		URL:         e.URL,
		Surt:        e.Surt,
		CaptureTime: e.CaptureTime,
		Digest:      digest,
		Verified:    verified,
	})
	return Result{Outcome: OutcomeStored, SnapshotID: snapshotID, Digest: digest, Verified: verified}, nil
}

func (o *Orchestrator) recordSuccess(ctx context.Context, e harvest.Entry, digest string, verified bool) (int64, error) {
	snapshotID, err := o.store.RecordSuccess(ctx, harvest.DownloadSuccess{
		EntryID:        e.ID,
		Digest:         digest,
		DigestVerified: verified,
		DownloadedAt:   o.clock.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("record success for entry %d: %w", e.ID, err)
	}
	return snapshotID, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, e harvest.Entry, fetchErr error) (Result, error) {
	failure := harvest.DownloadFailure{
		EntryID:      e.ID,
		AttemptedAt:  o.clock.Now(),
		ErrorMessage: fetchErr.Error(),
	}
	var te *harvest.TransportError
	if errors.As(fetchErr, &te) {
		failure.StatusCode = te.StatusCode
		failure.ErrorMessage = te.Message
	}
	if err := o.store.RecordFailure(ctx, failure); err != nil {
		return Result{Outcome: OutcomeSkipped}, fmt.Errorf("record failure for entry %d: %w", e.ID, err)
	}
	metrics.ObserveDownload(string(OutcomeFailed), 0)
	o.logger.Info("download failed",
		zap.Int64("entry_id", e.ID),
		zap.String("url", e.URL),
		zap.Int("status", failure.StatusCode),
		zap.String("error", failure.ErrorMessage),
	)
	return Result{Outcome: OutcomeFailed}, nil
}

func (o *Orchestrator) publish(ctx context.Context, event SnapshotStored) {
	if o.publisher == nil || o.cfg.SuccessTopic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.SuccessTopic, event); err != nil {
		o.logger.Warn("publish snapshot event failed", zap.Int64("entry_id", event.EntryID), zap.Error(err))
	}
}

// RunPass attempts every due entry, in id-ordered batches, over a bounded
// worker pool. Each batch starts after the last id of the previous one, so an
// entry is attempted at most once per pass and failures never hide the
// entries behind them. A systemic error stops the pass and is returned along
// with the work done so far.
func (o *Orchestrator) RunPass(ctx context.Context) (Report, error) {
	var (
		report Report
		mu     sync.Mutex
		lastID int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("download pass canceled: %w", err)
		}
		batch, err := o.store.DueEntries(ctx, harvest.DueQuery{
			Now:       o.clock.Now(),
			MimeTypes: o.cfg.MimeTypes,
			Backoff:   o.cfg.Backoff,
			AfterID:   lastID,
			Limit:     o.cfg.BatchSize,
		})
		if err != nil {
			return report, fmt.Errorf("select due entries: %w", err)
		}
		if len(batch) == 0 {
			return report, nil
		}
		lastID = batch[len(batch)-1].ID

		err = o.runBatch(ctx, batch, func(res Result) {
			mu.Lock()
			defer mu.Unlock()
			report.Attempted++
			switch res.Outcome {
			case OutcomeStored:
				report.Stored++
				if !res.Verified {
					report.Unverified++
				}
			case OutcomeShortcut:
				report.Shortcut++
			case OutcomeFailed:
				report.Failed++
			}
		})
		if err != nil {
			return report, err
		}
		if len(batch) < o.cfg.BatchSize {
			return report, nil
		}
	}
}

func (o *Orchestrator) runBatch(ctx context.Context, batch []harvest.Entry, tally func(Result)) error {
	q := memory.NewQueue(len(batch))
	for _, e := range batch {
		if err := q.Enqueue(ctx, e); err != nil {
			return fmt.Errorf("enqueue entry %d: %w", e.ID, err)
		}
	}
	q.Close()

	handle := func(ctx context.Context, e harvest.Entry) error {
		res, err := o.Attempt(ctx, e)
		if err != nil {
			if harvest.IsSystemic(err) || ctx.Err() != nil {
				return err
			}
			o.logger.Error("download attempt failed", zap.Int64("entry_id", e.ID), zap.Error(err))
			return nil
		}
		tally(res)
		return nil
	}

	workers := make([]*worker.Worker, 0, o.cfg.Concurrency)
	for i := 0; i < o.cfg.Concurrency && i < len(batch); i++ {
		workers = append(workers, worker.New(i+1, q, handle, o.logger))
	}
	if err := dispatcher.New(workers).Run(ctx); err != nil {
		return fmt.Errorf("download batch: %w", err)
	}
	return nil
}
