// Package pipeline runs harvest passes: ingest new records, download due
// entries, extract downloaded snapshots and index stale surts. Every stage
// selects its work from persisted state, so an interrupted pass is simply
// continued by the next one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/download"
	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/index"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
	"github.com/JakeFAU/wayback-harvester/internal/registrar"
	"github.com/JakeFAU/wayback-harvester/internal/surt"
)

// Ingester registers upstream records.
type Ingester interface {
	Ingest(ctx context.Context, records []harvest.Record) (registrar.Result, error)
}

// Reconciler links active patterns to matching entries they are missing.
type Reconciler interface {
	Reconcile(ctx context.Context) (int64, error)
}

// Downloader runs one download pass.
type Downloader interface {
	RunPass(ctx context.Context) (download.Report, error)
}

// StateStore is the persisted state the extraction and index stages use.
type StateStore interface {
	harvest.ExtractionStore
	harvest.IndexStateStore
}

// Config sizes the extraction and index stages and the pass interval.
type Config struct {
	Interval            time.Duration
	ExtractionBatchSize int
	IndexBatchSize      int
}

// PassReport summarizes one pass.
type PassReport struct {
	ID               string           `json:"id"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	Ingest           registrar.Result `json:"ingest"`
	Relinked         int64            `json:"relinked"`
	Download         download.Report  `json:"download"`
	Extracted        int              `json:"extracted"`
	ExtractionFailed int              `json:"extraction_failed"`
	Indexed          int              `json:"indexed"`
	IndexSkipped     int              `json:"index_skipped"`
	IndexFailed      int              `json:"index_failed"`
}

// Deps are the collaborators of a Manager. Source and Patterns may be nil.
type Deps struct {
	Source    harvest.RecordSource
	Registrar Ingester
	Patterns  Reconciler
	Downloads Downloader
	State     StateStore
	Content   harvest.ContentStore
	Extractor harvest.Extractor
	Index     harvest.SearchIndex
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
}

// Manager runs passes.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Manager.
func New(deps Deps, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ExtractionBatchSize <= 0 {
		cfg.ExtractionBatchSize = 100
	}
	if cfg.IndexBatchSize <= 0 {
		cfg.IndexBatchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}
}

// RunPass runs every stage once. A systemic error or cancellation stops the
// pass and is returned with the report of the work done so far.
func (m *Manager) RunPass(ctx context.Context) (PassReport, error) {
	report := PassReport{StartedAt: m.deps.Clock.Now()}
	if m.deps.IDs != nil {
		id, err := m.deps.IDs.NewID()
		if err != nil {
			return report, fmt.Errorf("generate pass id: %w", err)
		}
		report.ID = id
	}
	logger := m.logger.With(zap.String("pass_id", report.ID))
	start := time.Now()

	err := m.runStages(ctx, &report, logger)
	report.FinishedAt = m.deps.Clock.Now()

	status := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = "canceled"
	default:
		status = "aborted"
	}
	metrics.ObservePass(status, time.Since(start))
	return report, err
}

func (m *Manager) runStages(ctx context.Context, report *PassReport, logger *zap.Logger) error {
	var err error
	if report.Ingest, err = m.ingest(ctx); err != nil {
		return err
	}
	if m.deps.Patterns != nil {
		if report.Relinked, err = m.deps.Patterns.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile patterns: %w", err)
		}
	}
	if report.Download, err = m.deps.Downloads.RunPass(ctx); err != nil {
		return fmt.Errorf("download stage: %w", err)
	}
	if err := m.extract(ctx, report, logger); err != nil {
		return err
	}
	return m.index(ctx, report, logger)
}

func (m *Manager) ingest(ctx context.Context) (registrar.Result, error) {
	var total registrar.Result
	if m.deps.Source == nil {
		return total, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("ingest stage canceled: %w", err)
		}
		records, err := m.deps.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read records: %w", err)
		}
		res, err := m.deps.Registrar.Ingest(ctx, records)
		total.Add(res)
		if err != nil {
			return total, fmt.Errorf("ingest stage: %w", err)
		}
	}
}

// extract processes snapshots lacking extraction. Failed snapshots stay
// pending for the next pass and are skipped for the rest of this one.
func (m *Manager) extract(ctx context.Context, report *PassReport, logger *zap.Logger) error {
	failed := make(map[int64]struct{})
	for {
		pending, err := m.deps.State.PendingExtractions(ctx, len(failed)+m.cfg.ExtractionBatchSize)
		if err != nil {
			return fmt.Errorf("select pending extractions: %w", err)
		}
		fresh := 0
		for _, snap := range pending {
			if _, ok := failed[snap.SnapshotID]; ok {
				continue
			}
			fresh++
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("extraction stage canceled: %w", err)
			}
			err := m.extractOne(ctx, snap)
			switch {
			case err == nil:
				report.Extracted++
				metrics.ObserveExtraction("ok")
			case harvest.IsSystemic(err):
				return fmt.Errorf("extract snapshot %d: %w", snap.SnapshotID, err)
			default:
				failed[snap.SnapshotID] = struct{}{}
				report.ExtractionFailed++
				metrics.ObserveExtraction("error")
				logger.Warn("extraction failed",
					zap.Int64("snapshot_id", snap.SnapshotID),
					zap.String("url", snap.URL),
					zap.Error(err),
				)
			}
		}
		if fresh == 0 {
			return nil
		}
	}
}

func (m *Manager) extractOne(ctx context.Context, snap harvest.PendingSnapshot) error {
	data, err := m.deps.Content.Get(ctx, snap.Digest)
	if err != nil {
		return fmt.Errorf("load content %s: %w", snap.Digest, err)
	}
	ex, err := m.deps.Extractor.Extract(ctx, data, snap.MimeType, snap.URL)
	if err != nil {
		return err
	}
	links := make([]harvest.Link, 0, len(ex.Links))
	for _, u := range ex.Links {
		key, err := surt.Normalize(u)
		if err != nil {
			key = ""
		}
		links = append(links, harvest.Link{URL: u, Surt: key})
	}
	return m.deps.State.SaveExtraction(ctx, harvest.ExtractionRecord{
		SnapshotID:  snap.SnapshotID,
		Title:       ex.Title,
		Text:        ex.Text,
		Links:       links,
		ExtractedAt: m.deps.Clock.Now(),
	})
}

// index rebuilds documents for stale surts. A pending mark is cleared only
// after the flush containing its document succeeded, and only if it was not
// re-marked meanwhile. An index outage ends the stage, not the pass.
func (m *Manager) index(ctx context.Context, report *PassReport, logger *zap.Logger) error {
	seen := make(map[int64]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("index stage canceled: %w", err)
		}
		pending, err := m.deps.State.PendingIndex(ctx, len(seen)+m.cfg.IndexBatchSize)
		if err != nil {
			return fmt.Errorf("select pending index: %w", err)
		}
		var (
			fresh   int
			batch   []harvest.PendingSurt
			docs    []harvest.Document
			skipped []harvest.PendingSurt
		)
		for _, p := range pending {
			if _, ok := seen[p.SurtID]; ok {
				continue
			}
			seen[p.SurtID] = struct{}{}
			fresh++
			src, err := m.deps.State.LoadDocument(ctx, p.SurtID)
			if err != nil {
				if harvest.IsSystemic(err) {
					return fmt.Errorf("load document %s: %w", p.Surt, err)
				}
				report.IndexFailed++
				logger.Warn("load document failed", zap.String("surt", p.Surt), zap.Error(err))
				continue
			}
			doc, ok := index.BuildDocument(src)
			if !ok {
				skipped = append(skipped, p)
				continue
			}
			batch = append(batch, p)
			docs = append(docs, doc)
		}
		if fresh == 0 {
			return nil
		}

		if len(docs) > 0 {
			if err := m.deps.Index.Upsert(ctx, docs); err != nil {
				if harvest.IsSystemic(err) || ctx.Err() != nil {
					return fmt.Errorf("index documents: %w", err)
				}
				report.IndexFailed += len(docs)
				logger.Error("index stage stopped", zap.Int("documents", len(docs)), zap.Error(err))
				return nil
			}
		}
		cleanup := context.WithoutCancel(ctx)
		for _, p := range batch {
			if err := m.deps.State.ClearPending(cleanup, p); err != nil {
				return fmt.Errorf("clear pending %s: %w", p.Surt, err)
			}
			report.Indexed++
		}
		for _, p := range skipped {
			if err := m.deps.State.ClearPending(cleanup, p); err != nil {
				return fmt.Errorf("clear pending %s: %w", p.Surt, err)
			}
			report.IndexSkipped++
		}
	}
}

// Run runs a pass immediately and then every interval until ctx ends.
// Failed passes are logged and retried on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		report, err := m.RunPass(ctx)
		fields := []zap.Field{
			zap.String("pass_id", report.ID),
			zap.Int("ingested", report.Ingest.New),
			zap.Int("downloaded", report.Download.Stored+report.Download.Shortcut),
			zap.Int("download_failures", report.Download.Failed),
			zap.Int("extracted", report.Extracted),
			zap.Int("indexed", report.Indexed),
			zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
		}
		switch {
		case ctx.Err() != nil:
			m.logger.Info("pipeline stopped", fields...)
			return nil
		case err != nil:
			m.logger.Error("pass aborted", append(fields, zap.Error(err))...)
		default:
			m.logger.Info("pass complete", fields...)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("pipeline stopped")
			return nil
		case <-ticker.C:
		}
	}
}
