package postgres

import (
	"context"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// InvalidDigests lists successful downloads whose bytes did not match the
// upstream digest.
func (s *Store) InvalidDigests(ctx context.Context) ([]harvest.InvalidDigest, error) {
	rows, err := s.pool.Query(ctx, `
SELECT e.url, e.capture_time, e.claimed_digest, sn.digest
FROM download_success ds
JOIN entry e ON e.id = ds.entry_id
JOIN snapshot sn ON sn.id = ds.snapshot_id
WHERE NOT ds.digest_verified
ORDER BY e.capture_time, e.url`)
	if err != nil {
		return nil, wrap("select invalid digests", err)
	}
	defer rows.Close()

	var out []harvest.InvalidDigest
	for rows.Next() {
		var d harvest.InvalidDigest
		if err := rows.Scan(&d.URL, &d.CaptureTime, &d.Expected, &d.Actual); err != nil {
			return nil, wrap("scan invalid digest", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("select invalid digests", err)
	}
	return out, nil
}

// Stats counts the persisted corpus.
func (s *Store) Stats(ctx context.Context) (harvest.Stats, error) {
	var st harvest.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM surt),
	(SELECT count(*) FROM entry),
	(SELECT count(*) FROM snapshot),
	(SELECT count(*) FROM download_success),
	(SELECT count(*) FROM download_failure),
	(SELECT count(*) FROM entry e WHERE NOT EXISTS (SELECT 1 FROM download_success ds WHERE ds.entry_id = e.id)),
	(SELECT count(*) FROM index_pending)`).Scan(
		&st.Surts, &st.Entries, &st.Snapshots, &st.Successes, &st.Failures, &st.PendingDownloads, &st.PendingIndex,
	)
	if err != nil {
		return harvest.Stats{}, wrap("stats", err)
	}
	return st, nil
}
