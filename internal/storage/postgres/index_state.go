package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// PendingIndex lists surts whose search documents are stale, oldest mark first.
func (s *Store) PendingIndex(ctx context.Context, limit int) ([]harvest.PendingSurt, error) {
	rows, err := s.pool.Query(ctx, `
SELECT ip.surt_id, s.value, ip.version
FROM index_pending ip
JOIN surt s ON s.id = ip.surt_id
ORDER BY ip.version
LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("select pending index", err)
	}
	defer rows.Close()

	var pending []harvest.PendingSurt
	for rows.Next() {
		var p harvest.PendingSurt
		if err := rows.Scan(&p.SurtID, &p.Surt, &p.Version); err != nil {
			return nil, wrap("scan pending index", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("select pending index", err)
	}
	return pending, nil
}

// LoadDocument gathers the committed captures, active pattern slugs and the
// newest extraction for a surt.
func (s *Store) LoadDocument(ctx context.Context, surtID int64) (harvest.DocumentSource, error) {
	src := harvest.DocumentSource{SurtID: surtID}
	if err := s.pool.QueryRow(ctx, `SELECT value FROM surt WHERE id = $1`, surtID).Scan(&src.Surt); err != nil {
		return harvest.DocumentSource{}, wrap(fmt.Sprintf("load surt %d", surtID), err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (e.capture_time, e.id) e.id, e.url, e.capture_time, sn.digest, ds.digest_verified
FROM entry e
JOIN download_success ds ON ds.entry_id = e.id
JOIN snapshot sn ON sn.id = ds.snapshot_id
WHERE e.surt_id = $1
ORDER BY e.capture_time, e.id, ds.downloaded_at DESC, ds.id DESC`, surtID)
	if err != nil {
		return harvest.DocumentSource{}, wrap("load captures", err)
	}
	for rows.Next() {
		var c harvest.Capture
		if err := rows.Scan(&c.EntryID, &c.URL, &c.CaptureTime, &c.Digest, &c.DigestVerified); err != nil {
			rows.Close()
			return harvest.DocumentSource{}, wrap("scan capture", err)
		}
		src.Captures = append(src.Captures, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return harvest.DocumentSource{}, wrap("load captures", err)
	}

	rows, err = s.pool.Query(ctx, `
SELECT p.slug
FROM pattern p
WHERE p.active
  AND EXISTS (
	SELECT 1 FROM pattern_entry pe JOIN entry e ON e.id = pe.entry_id
	WHERE pe.pattern_id = p.id AND e.surt_id = $1
  )
ORDER BY p.sort_order`, surtID)
	if err != nil {
		return harvest.DocumentSource{}, wrap("load patterns", err)
	}
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			rows.Close()
			return harvest.DocumentSource{}, wrap("scan pattern slug", err)
		}
		src.Patterns = append(src.Patterns, slug)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return harvest.DocumentSource{}, wrap("load patterns", err)
	}

	err = s.pool.QueryRow(ctx, `
SELECT x.title, x.content
FROM snapshot_extraction x
JOIN download_success ds ON ds.snapshot_id = x.snapshot_id
JOIN entry e ON e.id = ds.entry_id
WHERE e.surt_id = $1
ORDER BY e.capture_time DESC, ds.downloaded_at DESC
LIMIT 1`, surtID).Scan(&src.Title, &src.Text)
	switch {
	case err == nil:
		src.Extracted = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return harvest.DocumentSource{}, wrap("load extraction", err)
	}
	return src, nil
}

// ClearPending removes the mark only if it was not re-marked since it was read.
func (s *Store) ClearPending(ctx context.Context, p harvest.PendingSurt) error {
	if _, err := s.pool.Exec(ctx, `
DELETE FROM index_pending WHERE surt_id = $1 AND version = $2`, p.SurtID, p.Version); err != nil {
		return wrap("clear pending index", err)
	}
	return nil
}
