// Package registrar turns upstream index records into entries. Ingestion is
// idempotent: replaying the same records, across any page boundaries, adds
// nothing.
package registrar

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
	"github.com/JakeFAU/wayback-harvester/internal/surt"
)

// Result counts the outcome of one Ingest call.
type Result struct {
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.New += other.New
	r.Duplicate += other.Duplicate
	r.Rejected += other.Rejected
}

// Registrar validates records and stores them as entries linked to the active
// patterns they match.
type Registrar struct {
	patterns harvest.PatternStore
	entries  harvest.EntryStore
	logger   *zap.Logger
}

// New constructs a Registrar.
func New(patterns harvest.PatternStore, entries harvest.EntryStore, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{patterns: patterns, entries: entries, logger: logger.Named("registrar")}
}

// Ingest stores records. Malformed records are skipped and counted as
// rejected; the only error returned is a store failure, in which case the
// result counts what was stored before it.
func (r *Registrar) Ingest(ctx context.Context, records []harvest.Record) (Result, error) {
	var res Result
	if len(records) == 0 {
		return res, nil
	}
	active, err := r.patterns.ListPatterns(ctx, true)
	if err != nil {
		return res, fmt.Errorf("load active patterns: %w", err)
	}
	defer func() { metrics.ObserveIngest(res.New, res.Duplicate, res.Rejected) }()

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingest canceled after %d records: %w", i, err)
		}
		entry, err := validate(rec)
		if err != nil {
			res.Rejected++
			r.logger.Debug("record rejected", zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		for _, p := range active {
			if p.Matches(entry.Surt) {
				entry.PatternIDs = append(entry.PatternIDs, p.ID)
			}
		}
		created, err := r.entries.InsertEntry(ctx, entry)
		if err != nil {
			return res, fmt.Errorf("insert entry %s@%s: %w", entry.Surt, entry.CaptureTime.Format(harvest.TimestampLayout), err)
		}
		if created {
			res.New++
		} else {
			res.Duplicate++
		}
	}
	r.logger.Info("records ingested",
		zap.Int("records", len(records)),
		zap.Int("new", res.New),
		zap.Int("duplicate", res.Duplicate),
		zap.Int("rejected", res.Rejected),
	)
	return res, nil
}

// validate checks rec and converts it to an insert request.
func validate(rec harvest.Record) (harvest.NewEntry, error) {
	key, err := surt.Normalize(rec.URL)
	if err != nil {
		return harvest.NewEntry{}, err
	}
	switch {
	case rec.CaptureTime.IsZero():
		return harvest.NewEntry{}, fmt.Errorf("%w: missing capture time", harvest.ErrValidation)
	case strings.TrimSpace(rec.Digest) == "":
		return harvest.NewEntry{}, fmt.Errorf("%w: missing digest", harvest.ErrValidation)
	case strings.TrimSpace(rec.MimeType) == "":
		return harvest.NewEntry{}, fmt.Errorf("%w: missing mime type", harvest.ErrValidation)
	case rec.Length < 0:
		return harvest.NewEntry{}, fmt.Errorf("%w: negative length %d", harvest.ErrValidation, rec.Length)
	case rec.StatusCode != nil && (*rec.StatusCode < 100 || *rec.StatusCode > 599):
		return harvest.NewEntry{}, fmt.Errorf("%w: status code %d", harvest.ErrValidation, *rec.StatusCode)
	}
	return harvest.NewEntry{
		URL:           strings.TrimSpace(rec.URL),
		Surt:          key,
		CaptureTime:   rec.CaptureTime.UTC(),
		ClaimedDigest: strings.ToUpper(strings.TrimSpace(rec.Digest)),
		MimeType:      strings.ToLower(strings.TrimSpace(rec.MimeType)),
		StatusCode:    rec.StatusCode,
		Length:        rec.Length,
	}, nil
}
