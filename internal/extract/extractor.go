// Package extract turns archived HTML and plain-text captures into titles,
// visible text and outbound links.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// Config bounds extractor output.
type Config struct {
	MaxTextBytes int
	MaxLinks     int
}

// Extractor implements harvest.Extractor.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

var _ harvest.Extractor = (*Extractor)(nil)

// New constructs an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger.Named("extract")}
}

// skipped elements never contribute visible text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
}

var inline = map[atom.Atom]bool{
	atom.A: true, atom.Abbr: true, atom.B: true, atom.Bdi: true, atom.Bdo: true,
	atom.Cite: true, atom.Code: true, atom.Em: true, atom.I: true, atom.Kbd: true,
	atom.Mark: true, atom.Q: true, atom.S: true, atom.Samp: true, atom.Small: true,
	atom.Span: true, atom.Strong: true, atom.Sub: true, atom.Sup: true, atom.Time: true,
	atom.U: true, atom.Var: true,
}

// Extract dispatches on the MIME type. Unsupported types and unparsable
// content fail with harvest.ErrExtraction.
func (e *Extractor) Extract(_ context.Context, data []byte, mimeType, pageURL string) (harvest.Extraction, error) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return e.extractHTML(data, mimeType, pageURL)
	case "text/plain":
		return harvest.Extraction{Text: e.clip(collapse(string(bytes.ToValidUTF8(data, nil))))}, nil
	default:
		return harvest.Extraction{}, fmt.Errorf("%w: unsupported mime type %q", harvest.ErrExtraction, mimeType)
	}
}

func (e *Extractor) extractHTML(data []byte, contentType, pageURL string) (harvest.Extraction, error) {
	reader, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return harvest.Extraction{}, fmt.Errorf("%w: decode charset: %v", harvest.ErrExtraction, err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return harvest.Extraction{}, fmt.Errorf("%w: parse html: %v", harvest.ErrExtraction, err)
	}

	base, _ := url.Parse(pageURL)
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && base != nil {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	var text strings.Builder
	for _, n := range doc.Find("body").Nodes {
		writeText(&text, n)
	}

	return harvest.Extraction{
		Title: collapse(doc.Find("title").First().Text()),
		Text:  e.clip(collapse(text.String())),
		Links: e.links(doc, base),
	}, nil
}

func (e *Extractor) links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if e.cfg.MaxLinks > 0 && len(out) >= e.cfg.MaxLinks {
			e.logger.Debug("link limit reached", zap.Int("max_links", e.cfg.MaxLinks))
			return false
		}
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" || ref.Host == "" {
			return true
		}
		ref.Fragment = ""
		ref.RawFragment = ""
		link := ref.String()
		if _, dup := seen[link]; !dup {
			seen[link] = struct{}{}
			out = append(out, link)
		}
		return true
	})
	return out
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
	}
	block := n.Type == html.ElementNode && !inline[n.DataAtom]
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte(' ')
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (e *Extractor) clip(s string) string {
	if e.cfg.MaxTextBytes <= 0 || len(s) <= e.cfg.MaxTextBytes {
		return s
	}
	cut := e.cfg.MaxTextBytes
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
