package index

import (
	"sort"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/surt"
)

// BuildDocument assembles the search document for a surt from committed
// state. It reports false when the surt has no successful capture yet and so
// must not be indexed.
func BuildDocument(src harvest.DocumentSource) (harvest.Document, bool) {
	if len(src.Captures) == 0 {
		return harvest.Document{}, false
	}
	doc := harvest.Document{
		Surt:     src.Surt,
		Title:    src.Title,
		Text:     src.Text,
		Patterns: append([]string{}, src.Patterns...),
		Captures: append([]harvest.Capture(nil), src.Captures...),
	}
	if u, err := surt.CanonicalURL(src.Surt); err == nil {
		doc.URL = u
	} else {
		doc.URL = src.Captures[len(src.Captures)-1].URL
	}

	years := make(map[int]struct{})
	for _, c := range src.Captures {
		years[c.CaptureTime.UTC().Year()] = struct{}{}
		if c.DigestVerified {
			doc.Verified = true
		}
	}
	for y := range years {
		doc.Years = append(doc.Years, y)
	}
	sort.Ints(doc.Years)
	sort.SliceStable(doc.Captures, func(i, j int) bool {
		return doc.Captures[i].CaptureTime.Before(doc.Captures[j].CaptureTime)
	})
	return doc, true
}
