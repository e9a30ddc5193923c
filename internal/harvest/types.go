package harvest

import (
	"strings"
	"time"
)

// TimestampLayout is the 14 digit capture timestamp used by CDX records and
// Wayback playback URLs.
const TimestampLayout = "20060102150405"

// Record is one capture reported by the upstream archive index.
type Record struct {
	URL         string    `json:"url"`
	CaptureTime time.Time `json:"capture_time"`
	Digest      string    `json:"digest"`
	MimeType    string    `json:"mime_type"`
	StatusCode  *int      `json:"status_code,omitempty"`
	Length      int64     `json:"length"`
}

// Pattern is a tracked URL-prefix collection.
type Pattern struct {
	ID          int64     `json:"id"`
	Surt        string    `json:"surt"`
	PrefixMatch bool      `json:"prefix_match"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	SortOrder   int       `json:"sort_order"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Matches reports whether surt belongs to the pattern's collection.
func (p Pattern) Matches(surt string) bool {
	if p.PrefixMatch {
		return strings.HasPrefix(surt, p.Surt)
	}
	return surt == p.Surt
}

// PatternStats summarizes the entries tracked under a pattern.
type PatternStats struct {
	Pattern      Pattern `json:"pattern"`
	EntryCount   int64   `json:"entry_count"`
	IndexedCount int64   `json:"indexed_count"`
}

// Entry is an ingested capture keyed by (surt, capture time).
type Entry struct {
	ID            int64
	URL           string
	SurtID        int64
	Surt          string
	CaptureTime   time.Time
	ClaimedDigest string
	MimeType      string
	StatusCode    *int
	Length        int64
}

// NewEntry is the registrar's insert request for one validated record.
type NewEntry struct {
	URL           string
	Surt          string
	CaptureTime   time.Time
	ClaimedDigest string
	MimeType      string
	StatusCode    *int
	Length        int64
	PatternIDs    []int64
}

// DownloadFailure is one failed fetch attempt.
type DownloadFailure struct {
	EntryID      int64
	AttemptedAt  time.Time
	StatusCode   int
	ErrorMessage string
}

// DownloadSuccess resolves an entry to a stored snapshot.
type DownloadSuccess struct {
	EntryID        int64
	Digest         string
	DigestVerified bool
	DownloadedAt   time.Time
}

// DueQuery selects entries that need a download attempt, in id order,
// starting after AfterID.
type DueQuery struct {
	Now       time.Time
	MimeTypes []string
	Backoff   Backoff
	AfterID   int64
	Limit     int
}

// RedirectStatuses are the capture status codes the archive records as
// redirects. Entries with these codes are downloaded as redirect captures.
var RedirectStatuses = []int{301, 302, 303, 307, 308}

// IsRedirectStatus reports whether code is one of RedirectStatuses.
func IsRedirectStatus(code int) bool {
	for _, c := range RedirectStatuses {
		if c == code {
			return true
		}
	}
	return false
}

// Downloadable reports whether an entry with the given capture status is
// selected for download: unknown, 200 or a redirect.
func Downloadable(status *int) bool {
	return status == nil || *status == 200 || IsRedirectStatus(*status)
}

// Redirect is where an archived redirect capture points: the target URL and
// the capture of it the archive resolved to.
type Redirect struct {
	URL         string
	CaptureTime time.Time
}

// PendingSnapshot is a downloaded snapshot that has not been extracted yet.
type PendingSnapshot struct {
	SnapshotID int64
	Digest     string
	MimeType   string
	URL        string
}

// Link is an outbound URL discovered in a snapshot. Surt is empty when the
// URL has no canonical form.
type Link struct {
	URL  string
	Surt string
}

// Extraction is the structured output of the extractor.
type Extraction struct {
	Title string
	Text  string
	Links []string
}

// ExtractionRecord is an extraction ready to persist.
type ExtractionRecord struct {
	SnapshotID  int64
	Title       string
	Text        string
	Links       []Link
	ExtractedAt time.Time
}

// PendingSurt is a surt whose search document is stale. Version identifies the
// mark so that a later mark is not lost when the earlier one is cleared.
type PendingSurt struct {
	SurtID  int64
	Surt    string
	Version int64
}

// Capture is one successfully downloaded capture of a surt.
type Capture struct {
	EntryID        int64     `json:"-"`
	URL            string    `json:"url"`
	CaptureTime    time.Time `json:"timestamp"`
	Digest         string    `json:"digest"`
	DigestVerified bool      `json:"verified"`
}

// DocumentSource is the persisted state a search document is built from.
type DocumentSource struct {
	SurtID   int64
	Surt     string
	Captures []Capture
	Patterns []string
	Title    string
	Text     string
	// Extracted is false when none of the captures has been extracted yet.
	Extracted bool
}

// Document is the unit stored in the search index, keyed by surt.
type Document struct {
	Surt     string    `json:"surt"`
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Patterns []string  `json:"patterns"`
	Years    []int     `json:"years"`
	Captures []Capture `json:"captures"`
	Verified bool      `json:"verified"`
}

// Query is a faceted full-text search request. Filters are disjunctive within
// a facet and conjunctive across facets.
type Query struct {
	Text         string
	Patterns     []string
	Years        []int
	YearFrom     int
	YearTo       int
	VerifiedOnly bool
	Offset       int
	Limit        int
}

// Hit is one ranked search result.
type Hit struct {
	Surt     string    `json:"surt"`
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Snippet  string    `json:"snippet"`
	Score    float64   `json:"score"`
	Verified bool      `json:"verified"`
	Captures []Capture `json:"captures"`
}

// FacetCount is the number of matching documents carrying a facet value.
type FacetCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Results is a page of search hits plus facet counts.
type Results struct {
	Total    int64        `json:"total"`
	Hits     []Hit        `json:"hits"`
	Patterns []FacetCount `json:"patterns"`
	Years    []FacetCount `json:"years"`
}

// InvalidDigest reports a capture whose downloaded bytes did not hash to the
// digest claimed upstream.
type InvalidDigest struct {
	URL         string    `json:"url"`
	CaptureTime time.Time `json:"timestamp"`
	Expected    string    `json:"expected"`
	Actual      string    `json:"actual"`
}

// Stats is a point-in-time count of the persisted corpus.
type Stats struct {
	Surts            int64 `json:"surts"`
	Entries          int64 `json:"entries"`
	Snapshots        int64 `json:"snapshots"`
	Successes        int64 `json:"successes"`
	Failures         int64 `json:"failures"`
	PendingDownloads int64 `json:"pending_downloads"`
	PendingIndex     int64 `json:"pending_index"`
}
