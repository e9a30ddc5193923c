package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

type mockTransport struct {
	mu          sync.Mutex
	requests    []recorded
	RoundTripFn func(req *http.Request) (*http.Response, error)
}

type recorded struct {
	Method string
	Path   string
	Body   string
}

func (t *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	t.mu.Lock()
	t.requests = append(t.requests, recorded{Method: req.Method, Path: req.URL.Path, Body: string(body)})
	t.mu.Unlock()
	return t.RoundTripFn(req)
}

func (t *mockTransport) last() recorded {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[len(t.requests)-1]
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"X-Elastic-Product": []string{"Elasticsearch"}},
	}
}

func newTestIndex(t *testing.T, fn func(req *http.Request) (*http.Response, error)) (*Index, *mockTransport) {
	t.Helper()
	transport := &mockTransport{RoundTripFn: fn}
	client, err := es.NewClient(es.Config{Transport: transport, MaxRetries: 0, DisableRetry: true})
	require.NoError(t, err)
	return New(client, "docs", nil), transport
}

func TestUpsertSendsBulkWithSurtIDs(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{"errors":false,"items":[]}`), nil
	})

	docs := []harvest.Document{
		{Surt: "com,example)/", URL: "http://example.com/", Title: "Home", Years: []int{2001}},
		{Surt: "com,example)/about", URL: "http://example.com/about", Patterns: []string{"ex"}},
	}
	require.NoError(t, idx.Upsert(context.Background(), docs))

	req := transport.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/docs/_bulk", req.Path)

	lines := strings.Split(strings.TrimSpace(req.Body), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"index":{"_id":"com,example)/"}}`, lines[0])
	assert.JSONEq(t, `{"index":{"_id":"com,example)/about"}}`, lines[2])

	var doc harvest.Document
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Equal(t, "Home", doc.Title)
	assert.Equal(t, []string{}, doc.Patterns)
}

func TestUpsertReportsItemErrors(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{"errors":true,"items":[{"index":{"_id":"a","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad years"}}}]}`), nil
	})

	err := idx.Upsert(context.Background(), []harvest.Document{{Surt: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
	assert.False(t, errors.Is(err, harvest.ErrIndexUnavailable))
}

func TestUnreachableClusterIsUnavailable(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	ctx := context.Background()
	require.ErrorIs(t, idx.Upsert(ctx, []harvest.Document{{Surt: "a"}}), harvest.ErrIndexUnavailable)
	require.ErrorIs(t, idx.Ping(ctx), harvest.ErrIndexUnavailable)
	_, err := idx.Search(ctx, harvest.Query{Text: "x"})
	require.ErrorIs(t, err, harvest.ErrIndexUnavailable)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusServiceUnavailable, `{"error":"master_not_discovered_exception"}`), nil
	})

	_, err := idx.Search(context.Background(), harvest.Query{})
	require.ErrorIs(t, err, harvest.ErrIndexUnavailable)
}

func TestSearchBuildsDisjunctiveFacetQuery(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{"hits":{"total":{"value":0},"hits":[]}}`), nil
	})

	_, err := idx.Search(context.Background(), harvest.Query{
		Text:         "wayback machine",
		Patterns:     []string{"news"},
		Years:        []int{2004, 2005},
		YearFrom:     2000,
		VerifiedOnly: true,
		Offset:       20,
		Limit:        5,
	})
	require.NoError(t, err)

	req := transport.last()
	assert.Equal(t, "/docs/_search", req.Path)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.EqualValues(t, 20, body["from"])
	assert.EqualValues(t, 5, body["size"])

	query := body["query"].(map[string]any)["bool"].(map[string]any)
	mm := query["must"].(map[string]any)["multi_match"].(map[string]any)
	assert.Equal(t, "wayback machine", mm["query"])
	filters := query["filter"].([]any)
	require.Len(t, filters, 2)
	assert.Contains(t, req.Body, `"term":{"verified":true}`)
	assert.Contains(t, req.Body, `"range":{"years":{"gte":2000}}`)

	post := body["post_filter"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	require.Len(t, post, 2)

	aggs := body["aggs"].(map[string]any)
	patternsAgg := aggs["patterns"].(map[string]any)
	yearsAgg := aggs["years"].(map[string]any)
	assert.Equal(t, map[string]any{"terms": map[string]any{"years": []any{float64(2004), float64(2005)}}}, patternsAgg["filter"])
	assert.Equal(t, map[string]any{"terms": map[string]any{"patterns": []any{"news"}}}, yearsAgg["filter"])
}

func TestSearchWithoutTextMatchesAll(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{"hits":{"total":{"value":0},"hits":[]}}`), nil
	})

	_, err := idx.Search(context.Background(), harvest.Query{})
	require.NoError(t, err)

	body := transport.last().Body
	assert.Contains(t, body, `"must":{"match_all":{}}`)
	assert.Contains(t, body, `"post_filter":{"bool":{"filter":[]}}`)
	assert.Contains(t, body, `"size":10`)
}

func TestSearchParsesHitsAndFacets(t *testing.T) {
	t.Parallel()

	captured := time.Date(2004, 5, 1, 0, 0, 0, 0, time.UTC)
	idx, _ := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{
			"hits": {
				"total": {"value": 2},
				"hits": [
					{"_id": "com,example)/", "_score": 2.5,
					 "_source": {"surt": "com,example)/", "url": "http://example.com/", "title": "Example",
					             "text": "an example page", "verified": true,
					             "captures": [{"url": "http://example.com/", "timestamp": "2004-05-01T00:00:00Z", "digest": "D", "verified": true}]},
					 "highlight": {"text": ["an <em>example</em> page<script>alert(1)</script>"]}},
					{"_id": "com,example)/long", "_score": 1.0,
					 "_source": {"url": "http://example.com/long", "title": "Long", "text": "<b>bold</b> text"}}
				]
			},
			"aggregations": {
				"patterns": {"doc_count": 2, "values": {"buckets": [{"key": "ex", "doc_count": 2}]}},
				"years": {"doc_count": 2, "values": {"buckets": [{"key": 2004, "doc_count": 1}, {"key": 2005, "doc_count": 1}]}}
			}
		}`), nil
	})

	res, err := idx.Search(context.Background(), harvest.Query{Text: "example"})
	require.NoError(t, err)

	assert.EqualValues(t, 2, res.Total)
	require.Len(t, res.Hits, 2)

	first := res.Hits[0]
	assert.Equal(t, "com,example)/", first.Surt)
	assert.Equal(t, "an <em>example</em> page", first.Snippet)
	assert.True(t, first.Verified)
	assert.InDelta(t, 2.5, first.Score, 0.0001)
	require.Len(t, first.Captures, 1)
	assert.True(t, first.Captures[0].CaptureTime.Equal(captured))

	second := res.Hits[1]
	assert.Equal(t, "com,example)/long", second.Surt)
	assert.Equal(t, "&lt;b&gt;bold&lt;/b&gt; text", second.Snippet)

	assert.Equal(t, []harvest.FacetCount{{Value: "ex", Count: 2}}, res.Patterns)
	assert.Equal(t, []harvest.FacetCount{{Value: "2004", Count: 1}, {Value: "2005", Count: 1}}, res.Years)
}

func TestEnsureIndexCreatesMissingIndex(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodHead {
			return respond(http.StatusNotFound, ``), nil
		}
		return respond(http.StatusOK, `{"acknowledged":true}`), nil
	})

	require.NoError(t, idx.EnsureIndex(context.Background()))

	req := transport.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/docs", req.Path)
	assert.Contains(t, req.Body, `"patterns": {"type": "keyword"}`)
}

func TestEnsureIndexKeepsExistingIndex(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, ``), nil
	})

	require.NoError(t, idx.EnsureIndex(context.Background()))
	assert.Equal(t, http.MethodHead, transport.last().Method)
}

func TestPing(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, ``), nil
	})

	require.NoError(t, idx.Ping(context.Background()))
	assert.Equal(t, http.MethodHead, transport.last().Method)
	assert.Equal(t, "/", transport.last().Path)
}
