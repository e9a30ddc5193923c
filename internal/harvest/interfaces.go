package harvest

import (
	"context"
	"time"
)

// PatternStore persists the pattern registry and its entry associations.
type PatternStore interface {
	InsertPattern(ctx context.Context, p Pattern) (Pattern, error)
	SetPatternActive(ctx context.Context, id int64, active bool, at time.Time) (Pattern, error)
	ListPatterns(ctx context.Context, activeOnly bool) ([]Pattern, error)
	// MatchPatternEntries links every existing entry matching p that is not
	// linked yet and marks the newly linked surts for reindexing. It returns
	// the number of new links, so repeating it is harmless.
	MatchPatternEntries(ctx context.Context, p Pattern) (int64, error)
	// MarkPatternSurts marks every surt linked to the pattern for reindexing.
	MarkPatternSurts(ctx context.Context, patternID int64) (int64, error)
	PatternStats(ctx context.Context) ([]PatternStats, error)
}

// EntryStore persists ingested entries.
type EntryStore interface {
	// InsertEntry upserts the surt, inserts the entry unless (surt, capture
	// time) exists and links the entry to e.PatternIDs, atomically.
	InsertEntry(ctx context.Context, e NewEntry) (created bool, err error)
}

// DownloadStore selects due entries and appends download outcomes.
type DownloadStore interface {
	DueEntries(ctx context.Context, q DueQuery) ([]Entry, error)
	RecordFailure(ctx context.Context, f DownloadFailure) error
	RecordSuccess(ctx context.Context, s DownloadSuccess) (snapshotID int64, err error)
}

// ExtractionStore tracks extraction of downloaded snapshots.
type ExtractionStore interface {
	PendingExtractions(ctx context.Context, limit int) ([]PendingSnapshot, error)
	SaveExtraction(ctx context.Context, rec ExtractionRecord) error
}

// IndexStateStore tracks which search documents are stale.
type IndexStateStore interface {
	PendingIndex(ctx context.Context, limit int) ([]PendingSurt, error)
	LoadDocument(ctx context.Context, surtID int64) (DocumentSource, error)
	ClearPending(ctx context.Context, p PendingSurt) error
}

// ReportStore serves read-only operator reports.
type ReportStore interface {
	InvalidDigests(ctx context.Context) ([]InvalidDigest, error)
	Stats(ctx context.Context) (Stats, error)
}

// Store is the relational backing store for the whole pipeline.
type Store interface {
	PatternStore
	EntryStore
	DownloadStore
	ExtractionStore
	IndexStateStore
	ReportStore
	Ping(ctx context.Context) error
	Close()
}

// BlobStore is a content-addressed object area with create-if-absent writes.
type BlobStore interface {
	// Create stores data under key unless the key exists. It reports whether
	// this call created the object.
	Create(ctx context.Context, key string, data []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ContentStore deduplicates downloaded bytes by digest.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Fetcher retrieves archived bytes for a capture. Failures are *TransportError.
type Fetcher interface {
	Fetch(ctx context.Context, url string, captureTime time.Time) ([]byte, error)
}

// RedirectFetcher reads captures the archive recorded as redirects without
// following them. Failures are *TransportError.
type RedirectFetcher interface {
	ResolveRedirect(ctx context.Context, url string, captureTime time.Time) (Redirect, error)
	FetchRedirect(ctx context.Context, url string, captureTime time.Time) ([]byte, error)
}

// Extractor turns stored bytes into indexable text and outbound links.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType, pageURL string) (Extraction, error)
}

// SearchIndex is a full-text index backend with facets.
type SearchIndex interface {
	Upsert(ctx context.Context, docs []Document) error
	Search(ctx context.Context, q Query) (Results, error)
	Ping(ctx context.Context) error
}

// RecordSource delivers upstream index records in pages. Next returns io.EOF
// once exhausted.
type RecordSource interface {
	Next(ctx context.Context) ([]Record, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces pass IDs.
type IDGenerator interface {
	NewID() (string, error)
}
