package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// PendingExtractions lists downloaded snapshots with no extraction row. The
// MIME type and URL come from the earliest success that produced the snapshot.
func (s *Store) PendingExtractions(ctx context.Context, limit int) ([]harvest.PendingSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
SELECT sn.id, sn.digest, src.mime_type, src.url
FROM snapshot sn
CROSS JOIN LATERAL (
	SELECT e.mime_type, e.url
	FROM download_success ds
	JOIN entry e ON e.id = ds.entry_id
	WHERE ds.snapshot_id = sn.id
	ORDER BY ds.downloaded_at, ds.id
	LIMIT 1
) src
WHERE NOT EXISTS (SELECT 1 FROM snapshot_extraction x WHERE x.snapshot_id = sn.id)
ORDER BY sn.id
LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("select pending extractions", err)
	}
	defer rows.Close()

	var pending []harvest.PendingSnapshot
	for rows.Next() {
		var p harvest.PendingSnapshot
		if err := rows.Scan(&p.SnapshotID, &p.Digest, &p.MimeType, &p.URL); err != nil {
			return nil, wrap("scan pending extraction", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("select pending extractions", err)
	}
	return pending, nil
}

// SaveExtraction stores the extractor output, its links and the surts to
// reindex in one transaction. Replays are no-ops.
func (s *Store) SaveExtraction(ctx context.Context, rec harvest.ExtractionRecord) error {
	urls := make([]string, 0, len(rec.Links))
	surts := make([]string, 0, len(rec.Links))
	for _, l := range rec.Links {
		urls = append(urls, l.URL)
		surts = append(surts, l.Surt)
	}

	return s.withTx(ctx, "save extraction", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO snapshot_extraction (snapshot_id, title, content, extracted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (snapshot_id) DO NOTHING`, rec.SnapshotID, rec.Title, rec.Text, rec.ExtractedAt); err != nil {
			return wrap("insert extraction", err)
		}
		if len(urls) > 0 {
			if _, err := tx.Exec(ctx, `
WITH input AS (
	SELECT DISTINCT ON (url) url, NULLIF(surt, '') AS surt
	FROM unnest($2::text[], $3::text[]) AS t(url, surt)
	ORDER BY url
), upserted AS (
	INSERT INTO link (url, surt)
	SELECT url, surt FROM input
	ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
	RETURNING id
)
INSERT INTO snapshot_link (snapshot_id, link_id)
SELECT $1, id FROM upserted
ON CONFLICT DO NOTHING`, rec.SnapshotID, urls, surts); err != nil {
				return wrap("insert links", err)
			}
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO index_pending (surt_id, version)
SELECT s.surt_id, nextval('index_pending_version')
FROM (
	SELECT DISTINCT e.surt_id
	FROM download_success ds
	JOIN entry e ON e.id = ds.entry_id
	WHERE ds.snapshot_id = $1
) s
ON CONFLICT (surt_id) DO UPDATE SET version = EXCLUDED.version`, rec.SnapshotID); err != nil {
			return wrap("mark snapshot surts", err)
		}
		return nil
	})
}
