package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

type entryRow struct {
	harvest.Entry
	patterns map[int64]struct{}
}

type successRow struct {
	id           int64
	entryID      int64
	snapshotID   int64
	verified     bool
	downloadedAt time.Time
}

type failureRow struct {
	entryID     int64
	attemptedAt time.Time
	statusCode  int
	message     string
}

// Store is an in-memory harvest.Store with the same uniqueness and pending
// semantics as the Postgres schema, including the link and snapshot-link
// relations.
type Store struct {
	mu sync.Mutex

	outage error

	surts     map[string]int64
	surtNames map[int64]string
	entries   []*entryRow
	byCapture map[string]*entryRow

	patterns map[int64]harvest.Pattern

	snapshots   map[string]int64
	snapDigests map[int64]string
	successes   []successRow
	failures    []failureRow
	extractions map[int64]harvest.ExtractionRecord
	links       map[string]string
	// snapshotLinks holds the link URLs found in each snapshot.
	snapshotLinks map[int64]map[string]struct{}

	pending map[int64]int64
	version int64
	nextID  int64
}

var _ harvest.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		surts:       make(map[string]int64),
		surtNames:   make(map[int64]string),
		byCapture:   make(map[string]*entryRow),
		patterns:    make(map[int64]harvest.Pattern),
		snapshots:   make(map[string]int64),
		snapDigests: make(map[int64]string),
		extractions: make(map[int64]harvest.ExtractionRecord),
		links:       make(map[string]string),

		snapshotLinks: make(map[int64]map[string]struct{}),
		pending:     make(map[int64]int64),
	}
}

// SetOutage makes every call fail with err wrapped as
// harvest.ErrStoreUnavailable until it is called again with nil.
func (s *Store) SetOutage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage = err
}

func (s *Store) check(op string) error {
	if s.outage != nil {
		return fmt.Errorf("%s: %w: %v", op, harvest.ErrStoreUnavailable, s.outage)
	}
	return nil
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) mark(surtID int64) {
	s.version++
	s.pending[surtID] = s.version
}

func captureKey(surtID int64, t time.Time) string {
	return fmt.Sprintf("%d/%d", surtID, t.UnixNano())
}

// Ping reports the simulated outage, if any.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping")
}

// Close is a no-op.
func (s *Store) Close() {}

// InsertPattern registers a pattern.
func (s *Store) InsertPattern(_ context.Context, p harvest.Pattern) (harvest.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert pattern"); err != nil {
		return harvest.Pattern{}, err
	}
	for _, existing := range s.patterns {
		switch {
		case existing.Surt == p.Surt && existing.PrefixMatch == p.PrefixMatch, existing.Slug == p.Slug:
			return harvest.Pattern{}, fmt.Errorf("insert pattern %q: %w", p.Slug, harvest.ErrDuplicatePattern)
		case existing.SortOrder == p.SortOrder:
			return harvest.Pattern{}, fmt.Errorf("insert pattern %q: sort order %d: %w", p.Slug, p.SortOrder, harvest.ErrOrderConflict)
		}
	}
	p.ID = s.id()
	s.patterns[p.ID] = p
	return p, nil
}

// SetPatternActive toggles a pattern.
func (s *Store) SetPatternActive(_ context.Context, id int64, active bool, at time.Time) (harvest.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("update pattern"); err != nil {
		return harvest.Pattern{}, err
	}
	p, ok := s.patterns[id]
	if !ok {
		return harvest.Pattern{}, fmt.Errorf("update pattern %d: %w", id, harvest.ErrNotFound)
	}
	p.Active = active
	p.UpdatedAt = at
	s.patterns[id] = p
	return p, nil
}

// ListPatterns returns patterns ordered by sort order.
func (s *Store) ListPatterns(_ context.Context, activeOnly bool) ([]harvest.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list patterns"); err != nil {
		return nil, err
	}
	return s.sortedPatterns(activeOnly), nil
}

func (s *Store) sortedPatterns(activeOnly bool) []harvest.Pattern {
	out := make([]harvest.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// MatchPatternEntries links entries under p that are not linked yet and marks
// the downloaded surts among them.
func (s *Store) MatchPatternEntries(_ context.Context, p harvest.Pattern) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("match pattern entries"); err != nil {
		return 0, err
	}
	var linked int64
	marked := make(map[int64]struct{})
	for _, e := range s.entries {
		if !p.Matches(e.Surt) {
			continue
		}
		if _, ok := e.patterns[p.ID]; ok {
			continue
		}
		e.patterns[p.ID] = struct{}{}
		linked++
		if _, ok := marked[e.SurtID]; !ok && s.downloaded(e.ID) {
			marked[e.SurtID] = struct{}{}
			s.mark(e.SurtID)
		}
	}
	return linked, nil
}

// MarkPatternSurts marks every downloaded surt under the pattern.
func (s *Store) MarkPatternSurts(_ context.Context, patternID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mark pattern surts"); err != nil {
		return 0, err
	}
	return s.markPattern(patternID), nil
}

func (s *Store) markPattern(patternID int64) int64 {
	seen := make(map[int64]struct{})
	for _, e := range s.entries {
		if _, ok := e.patterns[patternID]; !ok || !s.downloaded(e.ID) {
			continue
		}
		if _, ok := seen[e.SurtID]; ok {
			continue
		}
		seen[e.SurtID] = struct{}{}
		s.mark(e.SurtID)
	}
	return int64(len(seen))
}

func (s *Store) downloaded(entryID int64) bool {
	for _, ds := range s.successes {
		if ds.entryID == entryID {
			return true
		}
	}
	return false
}

// PatternStats counts tracked and downloaded entries per pattern.
func (s *Store) PatternStats(_ context.Context) ([]harvest.PatternStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("pattern stats"); err != nil {
		return nil, err
	}
	patterns := s.sortedPatterns(false)
	stats := make([]harvest.PatternStats, 0, len(patterns))
	for _, p := range patterns {
		st := harvest.PatternStats{Pattern: p}
		for _, e := range s.entries {
			if _, ok := e.patterns[p.ID]; !ok {
				continue
			}
			st.EntryCount++
			if s.downloaded(e.ID) {
				st.IndexedCount++
			}
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// InsertEntry inserts e unless its (surt, capture time) exists.
func (s *Store) InsertEntry(_ context.Context, e harvest.NewEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert entry"); err != nil {
		return false, err
	}
	surtID, ok := s.surts[e.Surt]
	if !ok {
		surtID = s.id()
		s.surts[e.Surt] = surtID
		s.surtNames[surtID] = e.Surt
	}

	key := captureKey(surtID, e.CaptureTime)
	row, exists := s.byCapture[key]
	if !exists {
		row = &entryRow{
			Entry: harvest.Entry{
				ID:            s.id(),
				URL:           e.URL,
				SurtID:        surtID,
				Surt:          e.Surt,
				CaptureTime:   e.CaptureTime,
				ClaimedDigest: e.ClaimedDigest,
				MimeType:      e.MimeType,
				StatusCode:    e.StatusCode,
				Length:        e.Length,
			},
			patterns: make(map[int64]struct{}),
		}
		s.entries = append(s.entries, row)
		s.byCapture[key] = row
	}

	added := false
	for _, pid := range e.PatternIDs {
		if _, ok := row.patterns[pid]; !ok {
			row.patterns[pid] = struct{}{}
			added = true
		}
	}
	if exists && added {
		s.mark(surtID)
	}
	return !exists, nil
}

// DueEntries selects entries that need a download attempt.
func (s *Store) DueEntries(_ context.Context, q harvest.DueQuery) ([]harvest.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("select due entries"); err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(q.MimeTypes))
	for _, m := range q.MimeTypes {
		allowed[m] = struct{}{}
	}

	var due []harvest.Entry
	for _, e := range s.entries {
		if q.Limit > 0 && len(due) >= q.Limit {
			break
		}
		if e.ID <= q.AfterID || s.downloaded(e.ID) || !s.underActivePattern(e) {
			continue
		}
		if _, ok := allowed[e.MimeType]; len(allowed) > 0 && !ok {
			continue
		}
		if !harvest.Downloadable(e.StatusCode) {
			continue
		}
		failures, last := s.failureHistory(e.ID)
		if !q.Backoff.Eligible(failures, last, q.Now) {
			continue
		}
		due = append(due, e.Entry)
	}
	return due, nil
}

func (s *Store) underActivePattern(e *entryRow) bool {
	for pid := range e.patterns {
		if p, ok := s.patterns[pid]; ok && p.Active {
			return true
		}
	}
	return false
}

func (s *Store) failureHistory(entryID int64) (int, time.Time) {
	var (
		n    int
		last time.Time
	)
	for _, f := range s.failures {
		if f.entryID != entryID {
			continue
		}
		n++
		if f.attemptedAt.After(last) {
			last = f.attemptedAt
		}
	}
	return n, last
}

// RecordFailure appends a failed attempt.
func (s *Store) RecordFailure(_ context.Context, f harvest.DownloadFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert download failure"); err != nil {
		return err
	}
	s.failures = append(s.failures, failureRow{
		entryID:     f.EntryID,
		attemptedAt: f.AttemptedAt,
		statusCode:  f.StatusCode,
		message:     f.ErrorMessage,
	})
	return nil
}

// RecordSuccess upserts the snapshot and appends the success.
func (s *Store) RecordSuccess(_ context.Context, ds harvest.DownloadSuccess) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record download success"); err != nil {
		return 0, err
	}
	entry := s.entryByID(ds.EntryID)
	if entry == nil {
		return 0, fmt.Errorf("record download success: entry %d: %w", ds.EntryID, harvest.ErrNotFound)
	}
	snapID, ok := s.snapshots[ds.Digest]
	if !ok {
		snapID = s.id()
		s.snapshots[ds.Digest] = snapID
		s.snapDigests[snapID] = ds.Digest
	}
	for _, existing := range s.successes {
		if existing.entryID == ds.EntryID && existing.snapshotID == snapID && existing.verified == ds.DigestVerified {
			s.mark(entry.SurtID)
			return snapID, nil
		}
	}
	s.successes = append(s.successes, successRow{
		id:           s.id(),
		entryID:      ds.EntryID,
		snapshotID:   snapID,
		verified:     ds.DigestVerified,
		downloadedAt: ds.DownloadedAt,
	})
	s.mark(entry.SurtID)
	return snapID, nil
}

func (s *Store) entryByID(id int64) *entryRow {
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// PendingExtractions lists snapshots without an extraction.
func (s *Store) PendingExtractions(_ context.Context, limit int) ([]harvest.PendingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("select pending extractions"); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(s.snapDigests))
	for id := range s.snapDigests {
		if _, done := s.extractions[id]; !done {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []harvest.PendingSnapshot
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		src := s.firstSuccess(id)
		if src == nil {
			continue
		}
		e := s.entryByID(src.entryID)
		out = append(out, harvest.PendingSnapshot{
			SnapshotID: id,
			Digest:     s.snapDigests[id],
			MimeType:   e.MimeType,
			URL:        e.URL,
		})
	}
	return out, nil
}

func (s *Store) firstSuccess(snapshotID int64) *successRow {
	var first *successRow
	for i := range s.successes {
		ds := &s.successes[i]
		if ds.snapshotID != snapshotID {
			continue
		}
		if first == nil || ds.downloadedAt.Before(first.downloadedAt) {
			first = ds
		}
	}
	return first
}

// SaveExtraction stores rec unless the snapshot was already extracted and
// marks every surt that resolved to the snapshot.
func (s *Store) SaveExtraction(_ context.Context, rec harvest.ExtractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("save extraction"); err != nil {
		return err
	}
	if _, ok := s.extractions[rec.SnapshotID]; !ok {
		s.extractions[rec.SnapshotID] = rec
	}
	found, ok := s.snapshotLinks[rec.SnapshotID]
	if !ok && len(rec.Links) > 0 {
		found = make(map[string]struct{}, len(rec.Links))
		s.snapshotLinks[rec.SnapshotID] = found
	}
	for _, l := range rec.Links {
		if _, ok := s.links[l.URL]; !ok {
			s.links[l.URL] = l.Surt
		}
		found[l.URL] = struct{}{}
	}
	seen := make(map[int64]struct{})
	for _, ds := range s.successes {
		if ds.snapshotID != rec.SnapshotID {
			continue
		}
		surtID := s.entryByID(ds.entryID).SurtID
		if _, ok := seen[surtID]; ok {
			continue
		}
		seen[surtID] = struct{}{}
		s.mark(surtID)
	}
	return nil
}

// PendingIndex lists stale surts, oldest mark first.
func (s *Store) PendingIndex(_ context.Context, limit int) ([]harvest.PendingSurt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("select pending index"); err != nil {
		return nil, err
	}
	out := make([]harvest.PendingSurt, 0, len(s.pending))
	for surtID, version := range s.pending {
		out = append(out, harvest.PendingSurt{SurtID: surtID, Surt: s.surtNames[surtID], Version: version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadDocument gathers the document source for a surt.
func (s *Store) LoadDocument(_ context.Context, surtID int64) (harvest.DocumentSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("load document"); err != nil {
		return harvest.DocumentSource{}, err
	}
	name, ok := s.surtNames[surtID]
	if !ok {
		return harvest.DocumentSource{}, fmt.Errorf("load surt %d: %w", surtID, harvest.ErrNotFound)
	}
	src := harvest.DocumentSource{SurtID: surtID, Surt: name}

	var (
		latest    time.Time
		latestAt  time.Time
		patternOK = make(map[int64]struct{})
	)
	for _, e := range s.entries {
		if e.SurtID != surtID {
			continue
		}
		for pid := range e.patterns {
			patternOK[pid] = struct{}{}
		}
		var newest *successRow
		for i := range s.successes {
			ds := &s.successes[i]
			if ds.entryID != e.ID {
				continue
			}
			if newest == nil || !ds.downloadedAt.Before(newest.downloadedAt) {
				newest = ds
			}
		}
		if newest == nil {
			continue
		}
		src.Captures = append(src.Captures, harvest.Capture{
			EntryID:        e.ID,
			URL:            e.URL,
			CaptureTime:    e.CaptureTime,
			Digest:         s.snapDigests[newest.snapshotID],
			DigestVerified: newest.verified,
		})
		rec, extracted := s.extractions[newest.snapshotID]
		if !extracted {
			continue
		}
		if !src.Extracted || e.CaptureTime.After(latest) ||
			(e.CaptureTime.Equal(latest) && newest.downloadedAt.After(latestAt)) {
			src.Title, src.Text, src.Extracted = rec.Title, rec.Text, true
			latest, latestAt = e.CaptureTime, newest.downloadedAt
		}
	}
	sort.Slice(src.Captures, func(i, j int) bool {
		a, b := src.Captures[i], src.Captures[j]
		if a.CaptureTime.Equal(b.CaptureTime) {
			return a.EntryID < b.EntryID
		}
		return a.CaptureTime.Before(b.CaptureTime)
	})
	for _, p := range s.sortedPatterns(true) {
		if _, ok := patternOK[p.ID]; ok {
			src.Patterns = append(src.Patterns, p.Slug)
		}
	}
	return src, nil
}

// ClearPending removes the mark if its version is unchanged.
func (s *Store) ClearPending(_ context.Context, p harvest.PendingSurt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("clear pending index"); err != nil {
		return err
	}
	if v, ok := s.pending[p.SurtID]; ok && v == p.Version {
		delete(s.pending, p.SurtID)
	}
	return nil
}

// InvalidDigests lists unverified successes.
func (s *Store) InvalidDigests(_ context.Context) ([]harvest.InvalidDigest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("select invalid digests"); err != nil {
		return nil, err
	}
	var out []harvest.InvalidDigest
	for _, ds := range s.successes {
		if ds.verified {
			continue
		}
		e := s.entryByID(ds.entryID)
		out = append(out, harvest.InvalidDigest{
			URL:         e.URL,
			CaptureTime: e.CaptureTime,
			Expected:    e.ClaimedDigest,
			Actual:      s.snapDigests[ds.snapshotID],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CaptureTime.Equal(out[j].CaptureTime) {
			return out[i].URL < out[j].URL
		}
		return out[i].CaptureTime.Before(out[j].CaptureTime)
	})
	return out, nil
}

// Stats counts the stored corpus.
func (s *Store) Stats(_ context.Context) (harvest.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("stats"); err != nil {
		return harvest.Stats{}, err
	}
	st := harvest.Stats{
		Surts:        int64(len(s.surts)),
		Entries:      int64(len(s.entries)),
		Snapshots:    int64(len(s.snapshots)),
		Successes:    int64(len(s.successes)),
		Failures:     int64(len(s.failures)),
		PendingIndex: int64(len(s.pending)),
	}
	for _, e := range s.entries {
		if !s.downloaded(e.ID) {
			st.PendingDownloads++
		}
	}
	return st, nil
}

// SnapshotLinks returns the links recorded for a snapshot, ordered by URL.
func (s *Store) SnapshotLinks(snapshotID int64) []harvest.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]harvest.Link, 0, len(s.snapshotLinks[snapshotID]))
	for u := range s.snapshotLinks[snapshotID] {
		out = append(out, harvest.Link{URL: u, Surt: s.links[u]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
