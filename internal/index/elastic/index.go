// Package elastic stores search documents in Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const (
	defaultIndex   = "harvest-documents"
	snippetLength  = 160
	facetSize      = 1000
	facetAggValues = "values"
)

// mapping keeps captures stored but unindexed.
const mapping = `{
  "mappings": {
    "properties": {
      "surt":     {"type": "keyword"},
      "url":      {"type": "keyword"},
      "title":    {"type": "text"},
      "text":     {"type": "text"},
      "patterns": {"type": "keyword"},
      "years":    {"type": "integer"},
      "verified": {"type": "boolean"},
      "captures": {"type": "object", "enabled": false}
    }
  }
}`

// Config holds connection settings.
type Config struct {
	Addresses  []string
	Username   string
	Password   string
	APIKey     string
	Index      string
	MaxRetries int
}

// NewClient builds a go-elasticsearch client from cfg.
func NewClient(cfg Config) (*es.Client, error) {
	clientConfig := es.Config{Addresses: cfg.Addresses, MaxRetries: cfg.MaxRetries}
	if cfg.APIKey != "" {
		clientConfig.APIKey = cfg.APIKey
	} else if cfg.Username != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}
	client, err := es.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

// Index implements harvest.SearchIndex.
type Index struct {
	client    *es.Client
	index     string
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

var _ harvest.SearchIndex = (*Index)(nil)

// New wraps client. An empty index name selects the default.
func New(client *es.Client, index string, logger *zap.Logger) *Index {
	if index == "" {
		index = defaultIndex
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		client:    client,
		index:     index,
		sanitizer: bluemonday.NewPolicy().AllowElements("em"),
		logger:    logger.Named("elastic"),
	}
}

// EnsureIndex creates the index with its mapping if it does not exist.
func (x *Index) EnsureIndex(ctx context.Context) error {
	res, err := x.client.Indices.Exists([]string{x.index}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return unavailable("check index", err)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return statusError("check index", res.StatusCode, "")
	}

	res, err = x.client.Indices.Create(x.index,
		x.client.Indices.Create.WithContext(ctx),
		x.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return unavailable("create index", err)
	}
	defer drain(res)
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return statusError("create index", res.StatusCode, string(body))
	}
	x.logger.Info("created search index", zap.String("index", x.index))
	return nil
}

// Upsert bulk-indexes docs with the surt as document id.
func (x *Index) Upsert(ctx context.Context, docs []harvest.Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		action := map[string]any{"index": map[string]any{"_id": d.Surt}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if d.Patterns == nil {
			d.Patterns = []string{}
		}
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode document %s: %w", d.Surt, err)
		}
	}

	res, err := x.client.Bulk(&buf,
		x.client.Bulk.WithContext(ctx),
		x.client.Bulk.WithIndex(x.index),
	)
	if err != nil {
		return unavailable("bulk index", err)
	}
	defer drain(res)
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return statusError("bulk index", res.StatusCode, string(body))
	}

	var bulk struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulk); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !bulk.Errors {
		return nil
	}
	for _, item := range bulk.Items {
		for _, r := range item {
			if r.Error != nil {
				return fmt.Errorf("bulk index %s: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
			}
		}
	}
	return fmt.Errorf("bulk index reported errors")
}

// Ping checks that the cluster answers.
func (x *Index) Ping(ctx context.Context) error {
	res, err := x.client.Ping(x.client.Ping.WithContext(ctx))
	if err != nil {
		return unavailable("ping", err)
	}
	drain(res)
	if res.IsError() {
		return statusError("ping", res.StatusCode, "")
	}
	return nil
}

type bucket struct {
	Key      any   `json:"key"`
	DocCount int64 `json:"doc_count"`
}

type facetAgg struct {
	Values struct {
		Buckets []bucket `json:"buckets"`
	} `json:"values"`
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    harvest.Document    `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations struct {
		Patterns facetAgg `json:"patterns"`
		Years    facetAgg `json:"years"`
	} `json:"aggregations"`
}

// Search runs q with disjunctive facets: hits are narrowed by post_filter
// while each facet aggregation is filtered by the other facet only.
func (x *Index) Search(ctx context.Context, q harvest.Query) (harvest.Results, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildQuery(q)); err != nil {
		return harvest.Results{}, fmt.Errorf("encode query: %w", err)
	}

	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.index),
		x.client.Search.WithBody(&buf),
		x.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return harvest.Results{}, unavailable("search", err)
	}
	defer drain(res)
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return harvest.Results{}, statusError("search", res.StatusCode, string(body))
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return harvest.Results{}, fmt.Errorf("decode search response: %w", err)
	}

	out := harvest.Results{
		Total:    sr.Hits.Total.Value,
		Hits:     make([]harvest.Hit, 0, len(sr.Hits.Hits)),
		Patterns: facets(sr.Aggregations.Patterns),
		Years:    facets(sr.Aggregations.Years),
	}
	for _, h := range sr.Hits.Hits {
		d := h.Source
		if d.Surt == "" {
			d.Surt = h.ID
		}
		out.Hits = append(out.Hits, harvest.Hit{
			Surt:     d.Surt,
			URL:      d.URL,
			Title:    d.Title,
			Snippet:  x.snippet(d.Text, h.Highlight["text"]),
			Score:    h.Score,
			Verified: d.Verified,
			Captures: d.Captures,
		})
	}
	return out, nil
}

func (x *Index) snippet(text string, fragments []string) string {
	if len(fragments) > 0 {
		return x.sanitizer.Sanitize(strings.Join(fragments, " ... "))
	}
	if len(text) > snippetLength {
		cut := snippetLength
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		text = text[:cut]
	}
	return html.EscapeString(text)
}

func buildQuery(q harvest.Query) map[string]any {
	var must any = map[string]any{"match_all": map[string]any{}}
	if text := strings.TrimSpace(q.Text); text != "" {
		must = map[string]any{
			"multi_match": map[string]any{
				"query":    text,
				"fields":   []string{"title^2", "text"},
				"type":     "cross_fields",
				"operator": "and",
			},
		}
	}

	var base []any
	if q.VerifiedOnly {
		base = append(base, map[string]any{"term": map[string]any{"verified": true}})
	}
	if q.YearFrom != 0 || q.YearTo != 0 {
		rng := map[string]any{}
		if q.YearFrom != 0 {
			rng["gte"] = q.YearFrom
		}
		if q.YearTo != 0 {
			rng["lte"] = q.YearTo
		}
		base = append(base, map[string]any{"range": map[string]any{"years": rng}})
	}

	patternFilter := termsFilter("patterns", q.Patterns)
	years := make([]any, len(q.Years))
	for i, y := range q.Years {
		years[i] = y
	}
	yearFilter := termsFilter("years", years)

	size := q.Limit
	if size <= 0 {
		size = 10
	}
	body := map[string]any{
		"from": q.Offset,
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": nonNil(base),
			},
		},
		"post_filter": map[string]any{
			"bool": map[string]any{"filter": compact(patternFilter, yearFilter)},
		},
		"aggs": map[string]any{
			"patterns": facetAggregation("patterns", yearFilter),
			"years":    facetAggregation("years", patternFilter),
		},
		"highlight": map[string]any{
			"encoder":   "html",
			"pre_tags":  []string{"<em>"},
			"post_tags": []string{"</em>"},
			"fields": map[string]any{
				"text": map[string]any{
					"fragment_size":       snippetLength,
					"number_of_fragments": 1,
				},
			},
		},
	}
	return body
}

func termsFilter[T any](field string, values []T) map[string]any {
	if len(values) == 0 {
		return nil
	}
	return map[string]any{"terms": map[string]any{field: values}}
}

func facetAggregation(field string, other map[string]any) map[string]any {
	var filter any = map[string]any{"match_all": map[string]any{}}
	if other != nil {
		filter = other
	}
	return map[string]any{
		"filter": filter,
		"aggs": map[string]any{
			facetAggValues: map[string]any{
				"terms": map[string]any{"field": field, "size": facetSize},
			},
		},
	}
}

func compact(filters ...map[string]any) []any {
	out := []any{}
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func nonNil(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func facets(agg facetAgg) []harvest.FacetCount {
	out := make([]harvest.FacetCount, 0, len(agg.Values.Buckets))
	for _, b := range agg.Values.Buckets {
		out = append(out, harvest.FacetCount{Value: keyString(b.Key), Count: b.DocCount})
	}
	return out
}

func keyString(key any) string {
	switch v := key.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, harvest.ErrIndexUnavailable, err)
}

func statusError(op string, status int, body string) error {
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %w: status %d %s", op, harvest.ErrIndexUnavailable, status, body)
	}
	return fmt.Errorf("%s: elasticsearch returned status %d %s", op, status, body)
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
