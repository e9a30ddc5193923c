package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/patterns/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	teapots := httpRequestsTotal.WithLabelValues(http.MethodGet, "418")
	rejected := httpRequestsTotal.WithLabelValues(http.MethodPut, "405")
	beforeTeapots := testutil.ToFloat64(teapots)
	beforeRejected := testutil.ToFloat64(rejected)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/patterns/7", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/v1/patterns/7", nil))

	assert.Equal(t, beforeTeapots+1, testutil.ToFloat64(teapots))
	assert.Equal(t, beforeRejected+1, testutil.ToFloat64(rejected))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
