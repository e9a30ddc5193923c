package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// InsertEntry upserts the surt, inserts the entry unless (surt, capture time)
// is taken and links it to e.PatternIDs, in one transaction. Re-ingesting an
// entry leaves it untouched but still fills in missing pattern links, and a
// surt whose document changes because of a new link is queued for reindexing.
func (s *Store) InsertEntry(ctx context.Context, e harvest.NewEntry) (bool, error) {
	var created bool
	err := s.withTx(ctx, "insert entry", func(tx pgx.Tx) error {
		var surtID int64
		if err := tx.QueryRow(ctx, `
INSERT INTO surt (value) VALUES ($1)
ON CONFLICT (value) DO UPDATE SET value = EXCLUDED.value
RETURNING id`, e.Surt).Scan(&surtID); err != nil {
			return wrap("upsert surt", err)
		}

		var entryID int64
		err := tx.QueryRow(ctx, `
INSERT INTO entry (url, surt_id, capture_time, claimed_digest, mime_type, status_code, length)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (surt_id, capture_time) DO NOTHING
RETURNING id`,
			e.URL, surtID, e.CaptureTime, e.ClaimedDigest, e.MimeType, e.StatusCode, e.Length,
		).Scan(&entryID)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, pgx.ErrNoRows):
			if err := tx.QueryRow(ctx, `
SELECT id FROM entry WHERE surt_id = $1 AND capture_time = $2`, surtID, e.CaptureTime).Scan(&entryID); err != nil {
				return wrap("find existing entry", err)
			}
		default:
			return wrap("insert entry", err)
		}

		if len(e.PatternIDs) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO pattern_entry (pattern_id, entry_id)
SELECT unnest($1::bigint[]), $2
ON CONFLICT DO NOTHING`, e.PatternIDs, entryID)
		if err != nil {
			return wrap("link entry patterns", err)
		}
		if !created && tag.RowsAffected() > 0 {
			if _, err := tx.Exec(ctx, markSurtPending, surtID); err != nil {
				return wrap("mark surt pending", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
