// Package memory is an in-process search backend for development and tests.
// Matching is token based: every query term must occur in the title or text.
package memory

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const snippetRadius = 80

// Index keeps documents in a map keyed by surt.
type Index struct {
	mu   sync.RWMutex
	docs map[string]harvest.Document
	down error
}

var _ harvest.SearchIndex = (*Index)(nil)

// New returns an empty Index.
func New() *Index {
	return &Index{docs: make(map[string]harvest.Document)}
}

// SetDown makes every call fail with harvest.ErrIndexUnavailable until it is
// called again with nil.
func (x *Index) SetDown(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.down = err
}

func (x *Index) check() error {
	if x.down != nil {
		return fmt.Errorf("%w: %v", harvest.ErrIndexUnavailable, x.down)
	}
	return nil
}

// Upsert replaces documents by surt.
func (x *Index) Upsert(_ context.Context, docs []harvest.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.check(); err != nil {
		return err
	}
	for _, d := range docs {
		x.docs[d.Surt] = d
	}
	return nil
}

// Get returns the stored document for surt.
func (x *Index) Get(surt string) (harvest.Document, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.docs[surt]
	return d, ok
}

// Len returns the number of stored documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Ping reports the simulated outage, if any.
func (x *Index) Ping(context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.check()
}

type scored struct {
	doc   harvest.Document
	score float64
}

// Search runs q. Filters are disjunctive within a facet; each facet's counts
// ignore that facet's own filter.
func (x *Index) Search(_ context.Context, q harvest.Query) (harvest.Results, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.check(); err != nil {
		return harvest.Results{}, err
	}

	terms := tokenize(q.Text)
	patternFilter := toSet(q.Patterns)
	yearFilter := make(map[string]struct{}, len(q.Years))
	for _, y := range q.Years {
		yearFilter[strconv.Itoa(y)] = struct{}{}
	}

	patternCounts := make(map[string]int64)
	yearCounts := make(map[string]int64)
	var hits []scored
	for _, d := range x.docs {
		score, ok := match(d, terms)
		if !ok || (q.VerifiedOnly && !d.Verified) || !inRange(d.Years, q.YearFrom, q.YearTo) {
			continue
		}
		years := make([]string, len(d.Years))
		for i, y := range d.Years {
			years[i] = strconv.Itoa(y)
		}
		patternOK := anyIn(d.Patterns, patternFilter)
		yearOK := anyIn(years, yearFilter)
		if yearOK {
			for _, p := range d.Patterns {
				patternCounts[p]++
			}
		}
		if patternOK {
			for _, y := range years {
				yearCounts[y]++
			}
		}
		if patternOK && yearOK {
			hits = append(hits, scored{doc: d, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc.Surt < hits[j].doc.Surt
	})

	res := harvest.Results{
		Total:    int64(len(hits)),
		Hits:     []harvest.Hit{},
		Patterns: facet(patternCounts),
		Years:    facet(yearCounts),
	}
	start := q.Offset
	if start < 0 {
		start = 0
	}
	end := len(hits)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	for i := start; i < end; i++ {
		d := hits[i].doc
		res.Hits = append(res.Hits, harvest.Hit{
			Surt:     d.Surt,
			URL:      d.URL,
			Title:    d.Title,
			Snippet:  snippet(d.Text, terms),
			Score:    hits[i].score,
			Verified: d.Verified,
			Captures: d.Captures,
		})
	}
	return res, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// match scores d by term occurrences, weighting title hits twice.
func match(d harvest.Document, terms []string) (float64, bool) {
	if len(terms) == 0 {
		return 1, true
	}
	title := tokenize(d.Title)
	text := tokenize(d.Text)
	var score float64
	for _, term := range terms {
		n := 2*count(title, term) + count(text, term)
		if n == 0 {
			return 0, false
		}
		score += float64(n)
	}
	return score, true
}

func count(tokens []string, term string) int {
	n := 0
	for _, t := range tokens {
		if t == term {
			n++
		}
	}
	return n
}

func inRange(years []int, from, to int) bool {
	if from == 0 && to == 0 {
		return true
	}
	for _, y := range years {
		if (from == 0 || y >= from) && (to == 0 || y <= to) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// anyIn reports whether any value is in filter. An empty filter matches all.
func anyIn(values []string, filter map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	for _, v := range values {
		if _, ok := filter[v]; ok {
			return true
		}
	}
	return false
}

func facet(counts map[string]int64) []harvest.FacetCount {
	out := make([]harvest.FacetCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, harvest.FacetCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// snippet returns escaped text around the first term occurrence with the
// matched words wrapped in <em>.
func snippet(text string, terms []string) string {
	if text == "" {
		return ""
	}
	set := toSet(terms)
	at := firstMatch(text, set)
	start, end := 0, len(text)
	if at > snippetRadius {
		start = at - snippetRadius
	}
	if at < 0 {
		at = 0
	}
	if at+snippetRadius < end {
		end = at + snippetRadius
	}
	for start > 0 && start < len(text) && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}

	words := strings.Fields(text[start:end])
	for i, w := range words {
		escaped := html.EscapeString(w)
		if toks := tokenize(w); len(toks) == 1 {
			if _, ok := set[toks[0]]; ok {
				escaped = "<em>" + escaped + "</em>"
			}
		}
		words[i] = escaped
	}
	return strings.Join(words, " ")
}

// firstMatch returns the byte offset in text of the first word that equals a
// term, or -1. Offsets come from text itself since lowercasing can change the
// byte length of a rune.
func firstMatch(text string, terms map[string]struct{}) int {
	word := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if word < 0 {
				word = i
			}
			continue
		}
		if word >= 0 {
			if _, ok := terms[strings.ToLower(text[word:i])]; ok {
				return word
			}
			word = -1
		}
	}
	if word >= 0 {
		if _, ok := terms[strings.ToLower(text[word:])]; ok {
			return word
		}
	}
	return -1
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
