// Package cdx reads capture records from CDX server JSON output: an array of
// string rows whose first row names the columns.
package cdx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// Column names used by the CDX server.
const (
	ColumnURLKey     = "urlkey"
	ColumnTimestamp  = "timestamp"
	ColumnOriginal   = "original"
	ColumnMimeType   = "mimetype"
	ColumnStatusCode = "statuscode"
	ColumnDigest     = "digest"
	ColumnLength     = "length"
)

var required = []string{ColumnTimestamp, ColumnOriginal, ColumnMimeType, ColumnStatusCode, ColumnDigest, ColumnLength}

// ErrFormat marks input that is not CDX JSON.
var ErrFormat = errors.New("malformed cdx json")

// Decoder streams records from one CDX JSON document.
type Decoder struct {
	dec     *json.Decoder
	columns map[string]int
	width   int
	done    bool
}

// NewDecoder reads the opening bracket and the header row from r.
func NewDecoder(r io.Reader) (*Decoder, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return &Decoder{dec: dec, done: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("%w: expected array", ErrFormat)
	}
	d := &Decoder{dec: dec}
	if !dec.More() {
		d.done = true
		return d, nil
	}
	var header []string
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	d.columns = make(map[string]int, len(header))
	for i, name := range header {
		d.columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := d.columns[name]; !ok {
			return nil, fmt.Errorf("%w: header lacks %q", ErrFormat, name)
		}
	}
	d.width = len(header)
	return d, nil
}

// Next returns the next record or io.EOF. Field values that do not parse are
// carried as invalid values (zero time, negative length, status 0) so the
// registrar rejects and counts them.
func (d *Decoder) Next() (harvest.Record, error) {
	if d.done || !d.dec.More() {
		d.done = true
		return harvest.Record{}, io.EOF
	}
	var row []string
	if err := d.dec.Decode(&row); err != nil {
		d.done = true
		return harvest.Record{}, fmt.Errorf("%w: row: %v", ErrFormat, err)
	}
	if len(row) != d.width {
		return harvest.Record{URL: d.field(row, ColumnOriginal), Length: -1}, nil
	}
	return d.record(row), nil
}

func (d *Decoder) field(row []string, name string) string {
	i, ok := d.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (d *Decoder) record(row []string) harvest.Record {
	rec := harvest.Record{
		URL:      d.field(row, ColumnOriginal),
		Digest:   d.field(row, ColumnDigest),
		MimeType: d.field(row, ColumnMimeType),
		Length:   -1,
	}
	if ts, err := ParseTimestamp(d.field(row, ColumnTimestamp)); err == nil {
		rec.CaptureTime = ts
	}
	if n, err := strconv.ParseInt(d.field(row, ColumnLength), 10, 64); err == nil {
		rec.Length = n
	}
	if status := d.field(row, ColumnStatusCode); status != "-" && status != "" {
		code, err := strconv.Atoi(status)
		if err != nil {
			code = 0
		}
		rec.StatusCode = &code
	}
	return rec
}

// ParseTimestamp parses a 14 digit CDX timestamp as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) != len(harvest.TimestampLayout) {
		return time.Time{}, fmt.Errorf("timestamp %q: want %d digits", s, len(harvest.TimestampLayout))
	}
	t, err := time.ParseInLocation(harvest.TimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}
