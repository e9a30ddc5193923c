package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const page = `<!DOCTYPE html>
<html>
<head>
  <title>  Example   Page </title>
  <style>body { color: red }</style>
</head>
<body>
  <h1>Heading</h1><p>First <b>bold</b>paragraph.</p><p>Second</p>
  <script>var hidden = "nope";</script>
  <noscript>enable js</noscript>
  <a href="/about#team">About</a>
  <a href="https://other.org/x">Other</a>
  <a href="/about">About again</a>
  <a href="mailto:someone@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	t.Parallel()

	ex := New(Config{}, zap.NewNop())
	got, err := ex.Extract(context.Background(), []byte(page), "text/html; charset=utf-8", "https://example.com/a/b")
	require.NoError(t, err)

	assert.Equal(t, "Example Page", got.Title)
	assert.Equal(t, "Heading First boldparagraph. Second About Other About again Mail JS", got.Text)
	assert.Equal(t, []string{"https://example.com/about", "https://other.org/x"}, got.Links)
}

func TestExtractHonorsBaseHref(t *testing.T) {
	t.Parallel()

	doc := `<html><head><base href="https://cdn.example.net/root/"></head><body><a href="page">x</a></body></html>`
	got, err := New(Config{}, nil).Extract(context.Background(), []byte(doc), "text/html", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.net/root/page"}, got.Links)
}

func TestExtractDecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	latin1 := []byte("<html><head><meta charset=\"iso-8859-1\"><title>caf\xe9</title></head><body></body></html>")
	got, err := New(Config{}, nil).Extract(context.Background(), latin1, "text/html", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "café", got.Title)
}

func TestExtractPlainText(t *testing.T) {
	t.Parallel()

	got, err := New(Config{}, nil).Extract(context.Background(), []byte("hello\n\n  world"), "text/plain", "https://example.com/a.txt")
	require.NoError(t, err)
	assert.Equal(t, harvest.Extraction{Text: "hello world"}, got)
}

func TestExtractLimits(t *testing.T) {
	t.Parallel()

	doc := `<html><body><p>` + strings.Repeat("é", 10) + `</p><a href="/1">1</a><a href="/2">2</a></body></html>`
	got, err := New(Config{MaxTextBytes: 5, MaxLinks: 1}, nil).Extract(context.Background(), []byte(doc), "text/html", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "éé", got.Text)
	assert.Len(t, got.Links, 1)
}

func TestExtractUnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil).Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png", "https://example.com/a.png")
	require.ErrorIs(t, err, harvest.ErrExtraction)
}
