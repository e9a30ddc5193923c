package cdx

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const shortDoc = `[["urlkey","timestamp","original","mimetype","statuscode","digest","length"],
["com,example)/","20200101000000","https://example.com/","text/html","200","FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN","1024"],
["com,example)/a","20200102030405","https://example.com/a","text/plain","-","D2","12"]]`

const fullDoc = `[["urlkey","timestamp","original","mimetype","statuscode","digest","redirect","robotflags","length","offset","filename"],
["com,example)/b","19991231235959","http://example.com/b","text/html","301","D3","https://example.com/","-","400","123","crawl.warc.gz"]]`

func readAll(t *testing.T, d *Decoder) []harvest.Record {
	t.Helper()
	var out []harvest.Record
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestDecodeShortFormat(t *testing.T) {
	t.Parallel()

	d, err := NewDecoder(strings.NewReader(shortDoc))
	require.NoError(t, err)
	recs := readAll(t, d)
	require.Len(t, recs, 2)

	assert.Equal(t, "https://example.com/", recs[0].URL)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), recs[0].CaptureTime)
	assert.Equal(t, "text/html", recs[0].MimeType)
	require.NotNil(t, recs[0].StatusCode)
	assert.Equal(t, 200, *recs[0].StatusCode)
	assert.EqualValues(t, 1024, recs[0].Length)

	assert.Nil(t, recs[1].StatusCode)
	assert.Equal(t, "D2", recs[1].Digest)
}

func TestDecodeFullFormat(t *testing.T) {
	t.Parallel()

	d, err := NewDecoder(strings.NewReader(fullDoc))
	require.NoError(t, err)
	recs := readAll(t, d)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 400, recs[0].Length)
	assert.Equal(t, 301, *recs[0].StatusCode)
	assert.Equal(t, time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC), recs[0].CaptureTime)
}

func TestDecodeCarriesInvalidFields(t *testing.T) {
	t.Parallel()

	doc := `[["urlkey","timestamp","original","mimetype","statuscode","digest","length"],
["k","2020","https://example.com/","text/html","abc","D","x"],
["k","20200101000000","https://example.com/"]]`
	d, err := NewDecoder(strings.NewReader(doc))
	require.NoError(t, err)
	recs := readAll(t, d)
	require.Len(t, recs, 2)

	assert.True(t, recs[0].CaptureTime.IsZero())
	assert.EqualValues(t, -1, recs[0].Length)
	require.NotNil(t, recs[0].StatusCode)
	assert.Zero(t, *recs[0].StatusCode)

	assert.Equal(t, "https://example.com/", recs[1].URL)
	assert.EqualValues(t, -1, recs[1].Length)
}

func TestDecodeEmptyInput(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "[]"} {
		d, err := NewDecoder(strings.NewReader(doc))
		require.NoError(t, err)
		assert.Empty(t, readAll(t, d))
	}
}

func TestDecodeRejectsMalformedDocuments(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"object":         `{"urlkey":"x"}`,
		"missing column": `[["urlkey","timestamp","original"]]`,
		"bad header":     `[42]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewDecoder(strings.NewReader(doc))
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	ts, err := ParseTimestamp("20240229120000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), ts)

	_, err = ParseTimestamp("20230229120000")
	require.Error(t, err)
	_, err = ParseTimestamp("2024")
	require.Error(t, err)
}

func TestFileSourcePagesAcrossFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")
	require.NoError(t, os.WriteFile(first, []byte(shortDoc), 0o600))
	require.NoError(t, os.WriteFile(second, []byte(fullDoc), 0o600))

	src := NewFileSource([]string{first, second}, 2, nil)
	defer src.Close()
	ctx := context.Background()

	page, err := src.Next(ctx)
	require.NoError(t, err)
	require.Len(t, page, 2)

	page, err = src.Next(ctx)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "http://example.com/b", page[0].URL)

	_, err = src.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestFileSourceReadsStdin(t *testing.T) {
	t.Parallel()

	src := NewFileSource([]string{Stdin}, 10, nil)
	src.stdin = strings.NewReader(shortDoc)

	page, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestFileSourceMissingFile(t *testing.T) {
	t.Parallel()

	src := NewFileSource([]string{filepath.Join(t.TempDir(), "absent.json")}, 10, nil)
	_, err := src.Next(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}
