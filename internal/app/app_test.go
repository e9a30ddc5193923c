package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/config"
	"github.com/JakeFAU/wayback-harvester/internal/patterns"
)

const cdxDoc = `[["urlkey","timestamp","original","mimetype","statuscode","digest","length"],
["com,example)/","20200101000000","https://example.com/","text/plain","200","FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN","11"],
["com,example)/","20210101000000","https://example.com/","text/plain","200","FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN","11"],
["org,other)/","20200101000000","https://other.org/","text/plain","200","FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN","11"]]`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Archive.RatePerSecond = 1000
	cfg.Archive.Burst = 100
	return cfg
}

func TestBuildInMemoryEndToEnd(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if !strings.Contains(r.URL.Path, "id_/https://example.com/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello world"))
	}))
	t.Cleanup(archive.Close)

	cfg := testConfig(t)
	cfg.Archive.BaseURL = archive.URL
	cfg.Download.Concurrency = 1

	a, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx := context.Background()
	_, err = a.Patterns().Register(ctx, patterns.Input{Target: "com,example)/", PrefixMatch: true, Slug: "example", Name: "Example"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "example.cdx.json")
	require.NoError(t, os.WriteFile(path, []byte(cdxDoc), 0o600))
	res, err := a.Ingest(ctx, []string{path})
	require.NoError(t, err)
	assert.Equal(t, 3, res.New)

	report, err := a.Pipeline(nil).RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Download.Stored)
	assert.Equal(t, 1, report.Download.Shortcut)
	assert.Equal(t, 1, report.Extracted)
	assert.Equal(t, 1, report.Indexed)
	assert.EqualValues(t, 1, fetches.Load())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search?q=hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total int64 `json:"total"`
		Hits  []struct {
			Surt     string `json:"surt"`
			Verified bool   `json:"verified"`
			Captures []struct {
				Timestamp string `json:"timestamp"`
			} `json:"captures"`
		} `json:"hits"`
		Facets struct {
			Years []struct {
				Value string `json:"value"`
				Count int64  `json:"count"`
			} `json:"years"`
		} `json:"facets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 1, body.Total)
	assert.Equal(t, "com,example)/", body.Hits[0].Surt)
	assert.True(t, body.Hits[0].Verified)
	assert.Len(t, body.Hits[0].Captures, 2)
	assert.Len(t, body.Facets.Years, 2)

	stats, err := a.Store().Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Entries)
	assert.EqualValues(t, 0, stats.PendingIndex)
}

func TestBuildConfiguredSourceIsReadOnce(t *testing.T) {
	t.Parallel()

	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	t.Cleanup(archive.Close)

	path := filepath.Join(t.TempDir(), "example.cdx.json")
	require.NoError(t, os.WriteFile(path, []byte(cdxDoc), 0o600))

	cfg := testConfig(t)
	cfg.Archive.BaseURL = archive.URL
	cfg.Ingest.Paths = []string{path}
	cfg.Download.Concurrency = 1

	a, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	_, err = a.Patterns().Register(context.Background(), patterns.Input{Target: "https://example.com/", PrefixMatch: true, Slug: "example"})
	require.NoError(t, err)

	first, err := a.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Ingest.New)
	assert.Equal(t, 1, first.Download.Stored)
	assert.Equal(t, 1, first.Download.Shortcut)

	second, err := a.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Ingest.New)
	assert.Zero(t, second.Ingest.Duplicate)
}

func TestBuildDiskBackends(t *testing.T) {
	t.Parallel()

	for _, backend := range []string{"local", "badger"} {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			cfg.Storage.LocalDir = t.TempDir()
			cfg.Storage.BadgerDir = t.TempDir()

			a, err := build(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			require.NotNil(t, a.blobCloser)

			created, err := a.blobs.Create(context.Background(), "FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN", []byte("hello world"))
			require.NoError(t, err)
			assert.True(t, created)
			a.Close()
		})
	}
}

func TestBuildElasticsearchUnavailableDegrades(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.NotFoundHandler())
	addr := down.URL
	down.Close()

	cfg := testConfig(t)
	cfg.Index.Backend = "elasticsearch"
	cfg.Index.Addresses = []string{addr}

	a, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search?q=x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildRejectsBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DB.DSN = "postgres://%zz"

	_, err := build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres store init failed")
}
