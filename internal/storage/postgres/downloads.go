package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// maxBackoffExponent keeps power(2, n) finite before LEAST applies the ceiling.
const maxBackoffExponent = 62

// noCeilingSeconds stands in for an unbounded backoff ceiling.
const noCeilingSeconds = 100 * 365 * 24 * 60 * 60

// DueEntries returns entries without a successful download whose backoff has
// elapsed, restricted to entries under at least one active pattern.
func (s *Store) DueEntries(ctx context.Context, q harvest.DueQuery) ([]harvest.Entry, error) {
	ceiling := q.Backoff.Ceiling.Seconds()
	if ceiling <= 0 {
		ceiling = noCeilingSeconds
	}
	mimeTypes := q.MimeTypes
	if mimeTypes == nil {
		mimeTypes = []string{}
	}
	rows, err := s.pool.Query(ctx, `
SELECT e.id, e.url, e.surt_id, s.value, e.capture_time, e.claimed_digest, e.mime_type, e.status_code, e.length
FROM entry e
JOIN surt s ON s.id = e.surt_id
CROSS JOIN LATERAL (
	SELECT count(*) AS failures, max(f.attempted_at) AS last_failure
	FROM download_failure f
	WHERE f.entry_id = e.id
) f
WHERE NOT EXISTS (SELECT 1 FROM download_success ds WHERE ds.entry_id = e.id)
  AND EXISTS (
	SELECT 1 FROM pattern_entry pe JOIN pattern p ON p.id = pe.pattern_id
	WHERE pe.entry_id = e.id AND p.active
  )
  AND (cardinality($1::text[]) = 0 OR e.mime_type = ANY($1::text[]))
  AND (e.status_code IS NULL OR e.status_code = 200 OR e.status_code = ANY($8::int[]))
  AND e.id > $7
  AND (
	f.failures = 0
	OR f.last_failure + make_interval(secs => LEAST(
		$2::float8 * power(2::float8, LEAST(f.failures - 1, $3)::float8),
		$4::float8
	)) <= $5
  )
ORDER BY e.id
LIMIT $6`,
		mimeTypes, q.Backoff.Base.Seconds(), maxBackoffExponent, ceiling, q.Now, q.Limit,
		q.AfterID, harvest.RedirectStatuses,
	)
	if err != nil {
		return nil, wrap("select due entries", err)
	}
	defer rows.Close()

	var entries []harvest.Entry
	for rows.Next() {
		var e harvest.Entry
		if err := rows.Scan(&e.ID, &e.URL, &e.SurtID, &e.Surt, &e.CaptureTime, &e.ClaimedDigest,
			&e.MimeType, &e.StatusCode, &e.Length); err != nil {
			return nil, wrap("scan due entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("select due entries", err)
	}
	return entries, nil
}

// RecordFailure appends a failed attempt.
func (s *Store) RecordFailure(ctx context.Context, f harvest.DownloadFailure) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO download_failure (entry_id, attempted_at, status_code, error_message)
VALUES ($1, $2, $3, $4)`, f.EntryID, f.AttemptedAt, f.StatusCode, f.ErrorMessage); err != nil {
		return wrap("insert download failure", err)
	}
	return nil
}

// RecordSuccess upserts the snapshot for the digest, appends the success and
// queues the entry's surt for reindexing, atomically.
func (s *Store) RecordSuccess(ctx context.Context, ds harvest.DownloadSuccess) (int64, error) {
	var snapshotID int64
	err := s.withTx(ctx, "record download success", func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
INSERT INTO snapshot (digest) VALUES ($1)
ON CONFLICT (digest) DO UPDATE SET digest = EXCLUDED.digest
RETURNING id`, ds.Digest).Scan(&snapshotID); err != nil {
			return wrap("upsert snapshot", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO download_success (entry_id, snapshot_id, digest_verified, downloaded_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (entry_id, snapshot_id, digest_verified) DO NOTHING`,
			ds.EntryID, snapshotID, ds.DigestVerified, ds.DownloadedAt); err != nil {
			return wrap("insert download success", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO index_pending (surt_id, version)
SELECT e.surt_id, nextval('index_pending_version') FROM entry e WHERE e.id = $1
ON CONFLICT (surt_id) DO UPDATE SET version = EXCLUDED.version`, ds.EntryID); err != nil {
			return wrap("mark surt pending", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return snapshotID, nil
}
