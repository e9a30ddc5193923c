package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const patternColumns = `id, surt, prefix_match, name, slug, sort_order, active, updated_at`

// markPatternSurts queues a reindex of every downloaded surt linked to a pattern.
const markPatternSurts = `
INSERT INTO index_pending (surt_id, version)
SELECT s.surt_id, nextval('index_pending_version')
FROM (
	SELECT DISTINCT e.surt_id
	FROM pattern_entry pe
	JOIN entry e ON e.id = pe.entry_id
	WHERE pe.pattern_id = $1
	  AND EXISTS (SELECT 1 FROM download_success ds WHERE ds.entry_id = e.id)
) s
ON CONFLICT (surt_id) DO UPDATE SET version = EXCLUDED.version`

// InsertPattern registers a new pattern.
func (s *Store) InsertPattern(ctx context.Context, p harvest.Pattern) (harvest.Pattern, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO pattern (surt, prefix_match, name, slug, sort_order, active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		p.Surt, p.PrefixMatch, p.Name, p.Slug, p.SortOrder, p.Active, p.UpdatedAt,
	)
	if err := row.Scan(&p.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "pattern_sort_order_key" {
				return harvest.Pattern{}, fmt.Errorf("insert pattern %q: sort order %d: %w", p.Slug, p.SortOrder, harvest.ErrOrderConflict)
			}
			return harvest.Pattern{}, fmt.Errorf("insert pattern %q: %w", p.Slug, harvest.ErrDuplicatePattern)
		}
		return harvest.Pattern{}, wrap("insert pattern", err)
	}
	return p, nil
}

// SetPatternActive toggles a pattern and returns its new state.
func (s *Store) SetPatternActive(ctx context.Context, id int64, active bool, at time.Time) (harvest.Pattern, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE pattern SET active = $2, updated_at = $3
WHERE id = $1
RETURNING `+patternColumns, id, active, at)
	p, err := scanPattern(row)
	if err != nil {
		return harvest.Pattern{}, wrap(fmt.Sprintf("update pattern %d", id), err)
	}
	return p, nil
}

// ListPatterns returns patterns in display order.
func (s *Store) ListPatterns(ctx context.Context, activeOnly bool) ([]harvest.Pattern, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+patternColumns+`
FROM pattern
WHERE NOT $1::boolean OR active
ORDER BY sort_order`, activeOnly)
	if err != nil {
		return nil, wrap("list patterns", err)
	}
	defer rows.Close()

	var patterns []harvest.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, wrap("scan pattern", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list patterns", err)
	}
	return patterns, nil
}

// markLinkedSurts queues a reindex of the downloaded surts among newly linked
// entries.
const markLinkedSurts = `
INSERT INTO index_pending (surt_id, version)
SELECT s.surt_id, nextval('index_pending_version')
FROM (
	SELECT DISTINCT e.surt_id
	FROM entry e
	WHERE e.id = ANY($1)
	  AND EXISTS (SELECT 1 FROM download_success ds WHERE ds.entry_id = e.id)
) s
ON CONFLICT (surt_id) DO UPDATE SET version = EXCLUDED.version`

// MatchPatternEntries links every existing entry under p that is not linked
// yet and queues the surts of the new links for reindexing. Running it again
// links nothing.
func (s *Store) MatchPatternEntries(ctx context.Context, p harvest.Pattern) (int64, error) {
	var linked []int64
	err := s.withTx(ctx, "match pattern entries", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
INSERT INTO pattern_entry (pattern_id, entry_id)
SELECT $1, e.id
FROM entry e
JOIN surt s ON s.id = e.surt_id
WHERE CASE WHEN $2::boolean THEN starts_with(s.value, $3) ELSE s.value = $3 END
ON CONFLICT DO NOTHING
RETURNING entry_id`, p.ID, p.PrefixMatch, p.Surt)
		if err != nil {
			return wrap("link pattern entries", err)
		}
		linked, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return wrap("link pattern entries", err)
		}
		if len(linked) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, markLinkedSurts, linked); err != nil {
			return wrap("mark linked surts", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(linked)), nil
}

// MarkPatternSurts queues a reindex of every downloaded surt under a pattern.
func (s *Store) MarkPatternSurts(ctx context.Context, patternID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, markPatternSurts, patternID)
	if err != nil {
		return 0, wrap("mark pattern surts", err)
	}
	return tag.RowsAffected(), nil
}

// PatternStats counts tracked and downloaded entries per pattern.
func (s *Store) PatternStats(ctx context.Context) ([]harvest.PatternStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.surt, p.prefix_match, p.name, p.slug, p.sort_order, p.active, p.updated_at,
	count(DISTINCT pe.entry_id),
	count(DISTINCT ds.entry_id)
FROM pattern p
LEFT JOIN pattern_entry pe ON pe.pattern_id = p.id
LEFT JOIN download_success ds ON ds.entry_id = pe.entry_id
GROUP BY p.id
ORDER BY p.sort_order`)
	if err != nil {
		return nil, wrap("pattern stats", err)
	}
	defer rows.Close()

	var stats []harvest.PatternStats
	for rows.Next() {
		var st harvest.PatternStats
		p := &st.Pattern
		if err := rows.Scan(&p.ID, &p.Surt, &p.PrefixMatch, &p.Name, &p.Slug, &p.SortOrder, &p.Active, &p.UpdatedAt,
			&st.EntryCount, &st.IndexedCount); err != nil {
			return nil, wrap("scan pattern stats", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("pattern stats", err)
	}
	return stats, nil
}

func scanPattern(row pgx.Row) (harvest.Pattern, error) {
	var p harvest.Pattern
	err := row.Scan(&p.ID, &p.Surt, &p.PrefixMatch, &p.Name, &p.Slug, &p.SortOrder, &p.Active, &p.UpdatedAt)
	return p, err
}
