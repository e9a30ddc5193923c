// Package patterns manages the registry of tracked URL-prefix collections.
// Patterns are always read back from the store; nothing is cached, so changes
// take effect on the next evaluation without a restart.
package patterns

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/surt"
)

// Input is a request to register a pattern. Target may be a URL or a SURT
// prefix.
type Input struct {
	Target      string `json:"target"`
	PrefixMatch bool   `json:"prefix_match"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	SortOrder   int    `json:"sort_order"`
}

// Registry validates pattern changes and keeps PatternEntry links and pending
// reindex marks in step with them.
type Registry struct {
	store  harvest.PatternStore
	clock  harvest.Clock
	logger *zap.Logger
}

// New constructs a Registry.
func New(store harvest.PatternStore, clock harvest.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, clock: clock, logger: logger.Named("patterns")}
}

// Register validates in, stores the pattern and links every existing entry it
// matches.
func (r *Registry) Register(ctx context.Context, in Input) (harvest.Pattern, error) {
	key, err := surt.FromPatternInput(in.Target)
	if err != nil {
		return harvest.Pattern{}, fmt.Errorf("register pattern: %w", err)
	}
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if slug == "" || strings.ContainsAny(slug, " \t/") {
		return harvest.Pattern{}, fmt.Errorf("register pattern: %w: invalid slug %q", harvest.ErrValidation, in.Slug)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = slug
	}

	p, err := r.store.InsertPattern(ctx, harvest.Pattern{
		Surt:        key,
		PrefixMatch: in.PrefixMatch,
		Name:        name,
		Slug:        slug,
		SortOrder:   in.SortOrder,
		Active:      true,
		UpdatedAt:   r.clock.Now(),
	})
	if err != nil {
		return harvest.Pattern{}, fmt.Errorf("register pattern: %w", err)
	}
	// A failed link leaves the pattern stored; Reconcile links it later.
	linked, err := r.store.MatchPatternEntries(ctx, p)
	if err != nil {
		return harvest.Pattern{}, fmt.Errorf("link pattern %q: %w", p.Slug, err)
	}
	r.logger.Info("pattern registered",
		zap.Int64("pattern_id", p.ID),
		zap.String("surt", p.Surt),
		zap.Bool("prefix_match", p.PrefixMatch),
		zap.Int64("linked_entries", linked),
	)
	return p, nil
}

// Deactivate removes the pattern from work selection and facets. History is
// kept.
func (r *Registry) Deactivate(ctx context.Context, id int64) (harvest.Pattern, error) {
	return r.setActive(ctx, id, false)
}

// Activate reverses Deactivate.
func (r *Registry) Activate(ctx context.Context, id int64) (harvest.Pattern, error) {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id int64, active bool) (harvest.Pattern, error) {
	p, err := r.store.SetPatternActive(ctx, id, active, r.clock.Now())
	if err != nil {
		return harvest.Pattern{}, fmt.Errorf("set pattern %d active=%t: %w", id, active, err)
	}
	var linked int64
	if active {
		// Entries ingested while the pattern was off were not linked to it.
		if linked, err = r.store.MatchPatternEntries(ctx, p); err != nil {
			return harvest.Pattern{}, fmt.Errorf("link pattern %d: %w", id, err)
		}
	}
	marked, err := r.store.MarkPatternSurts(ctx, id)
	if err != nil {
		return harvest.Pattern{}, fmt.Errorf("mark pattern %d surts: %w", id, err)
	}
	r.logger.Info("pattern toggled",
		zap.Int64("pattern_id", id),
		zap.Bool("active", active),
		zap.Int64("linked_entries", linked),
		zap.Int64("surts_marked", marked),
	)
	return p, nil
}

// Reconcile links every active pattern to the matching entries it is missing.
// Entries committed while a pattern was being registered, or after a failed
// link, are picked up here. It returns the number of new links.
func (r *Registry) Reconcile(ctx context.Context) (int64, error) {
	active, err := r.store.ListPatterns(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("reconcile patterns: %w", err)
	}
	var total int64
	for _, p := range active {
		linked, err := r.store.MatchPatternEntries(ctx, p)
		if err != nil {
			return total, fmt.Errorf("reconcile pattern %q: %w", p.Slug, err)
		}
		if linked > 0 {
			r.logger.Info("pattern reconciled", zap.Int64("pattern_id", p.ID), zap.Int64("linked_entries", linked))
		}
		total += linked
	}
	return total, nil
}

// List returns patterns in facet display order.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]harvest.Pattern, error) {
	patterns, err := r.store.ListPatterns(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return patterns, nil
}

// Stats returns per-pattern entry counts in display order.
func (r *Registry) Stats(ctx context.Context) ([]harvest.PatternStats, error) {
	stats, err := r.store.PatternStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("pattern stats: %w", err)
	}
	return stats, nil
}

// URLQuery renders a pattern as the URL query an archive index understands:
// the canonical URL, with a trailing "*" for prefix patterns. A bare domain
// prefix such as "com,example," becomes "*.example.com".
func URLQuery(p harvest.Pattern) string {
	if !strings.Contains(p.Surt, ")") {
		labels := strings.Split(strings.TrimSuffix(p.Surt, ","), ",")
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
		host := strings.Join(labels, ".")
		if strings.HasSuffix(p.Surt, ",") {
			return "*." + host
		}
		return host
	}
	u, err := surt.CanonicalURL(p.Surt)
	if err != nil {
		return p.Surt
	}
	if p.PrefixMatch {
		return u + "*"
	}
	return u
}
