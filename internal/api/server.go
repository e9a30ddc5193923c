package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
	"github.com/JakeFAU/wayback-harvester/internal/patterns"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	degradedMsg  = "search is temporarily degraded"
)

// PatternService manages the pattern registry.
type PatternService interface {
	Register(ctx context.Context, in patterns.Input) (harvest.Pattern, error)
	Deactivate(ctx context.Context, id int64) (harvest.Pattern, error)
	Activate(ctx context.Context, id int64) (harvest.Pattern, error)
	List(ctx context.Context, activeOnly bool) ([]harvest.Pattern, error)
	Stats(ctx context.Context) ([]harvest.PatternStats, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Index    harvest.SearchIndex
	Patterns PatternService
	Reports  harvest.ReportStore
	Store    Pinger
}

// Options configure the router.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline's stores and index.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	guard := func(next http.Handler) http.Handler { return next }
	if opts.AuthEnabled {
		guard = apiKeyMiddleware(opts.APIKey)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.search)
		r.Route("/patterns", func(r chi.Router) {
			r.Get("/", s.listPatterns)
			r.Get("/stats", s.patternStats)
			r.With(guard).Post("/", s.createPattern)
			r.With(guard).Post("/{id}/deactivate", s.setPatternActive(false))
			r.With(guard).Post("/{id}/activate", s.setPatternActive(true))
		})
		r.Route("/reports", func(r chi.Router) {
			r.Get("/invalid-digests", s.invalidDigests)
			r.Get("/stats", s.stats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "index": "ok"}
	status := http.StatusOK
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.deps.Index.Ping(r.Context()); err != nil {
		checks["index"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	s.writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

type patternFacet struct {
	Slug  string `json:"slug"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type searchResponse struct {
	Total  int64         `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Hits   []harvest.Hit `json:"hits"`
	Facets struct {
		Patterns []patternFacet       `json:"patterns"`
		Years    []harvest.FacetCount `json:"years"`
	} `json:"facets"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Index.Search(r.Context(), q)
	if err != nil {
		if errors.Is(err, harvest.ErrIndexUnavailable) {
			metrics.ObserveSearchDegraded()
			s.logger.Warn("search degraded", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, degradedMsg)
			return
		}
		s.logger.Error("search failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	var out searchResponse
	out.Total = res.Total
	out.Offset = q.Offset
	out.Limit = q.Limit
	out.Hits = res.Hits
	if out.Hits == nil {
		out.Hits = []harvest.Hit{}
	}
	out.Facets.Years = res.Years
	if out.Facets.Years == nil {
		out.Facets.Years = []harvest.FacetCount{}
	}
	out.Facets.Patterns = s.orderPatternFacets(r.Context(), res.Patterns)
	s.writeJSON(w, http.StatusOK, out)
}

// orderPatternFacets lists every active pattern in sort order with its count.
// Without the registry it falls back to the index's own facet order.
func (s *Server) orderPatternFacets(ctx context.Context, counts []harvest.FacetCount) []patternFacet {
	bySlug := make(map[string]int64, len(counts))
	for _, c := range counts {
		bySlug[c.Value] = c.Count
	}
	active, err := s.deps.Patterns.List(ctx, true)
	if err != nil {
		s.logger.Warn("pattern facets unordered", zap.Error(err))
		out := make([]patternFacet, 0, len(counts))
		for _, c := range counts {
			out = append(out, patternFacet{Slug: c.Value, Name: c.Value, Count: c.Count})
		}
		return out
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].SortOrder < active[j].SortOrder })
	out := make([]patternFacet, 0, len(active))
	for _, p := range active {
		out = append(out, patternFacet{Slug: p.Slug, Name: p.Name, Count: bySlug[p.Slug]})
	}
	return out
}

func parseQuery(r *http.Request) (harvest.Query, error) {
	v := r.URL.Query()
	q := harvest.Query{
		Text:     v.Get("q"),
		Patterns: v["pattern"],
		Limit:    defaultLimit,
	}
	for _, raw := range v["year"] {
		y, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("invalid year %q", raw)
		}
		q.Years = append(q.Years, y)
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"from", &q.YearFrom},
		{"to", &q.YearTo},
		{"offset", &q.Offset},
		{"limit", &q.Limit},
	}
	for _, f := range ints {
		raw := v.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid %s %q", f.name, raw)
		}
		*f.dst = n
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.YearFrom != 0 && q.YearTo != 0 && q.YearFrom > q.YearTo {
		return q, fmt.Errorf("from must not be after to")
	}
	return q, nil
}

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := s.deps.Patterns.List(r.Context(), activeOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []harvest.Pattern{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"patterns": list})
}

func (s *Server) patternStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Patterns.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if stats == nil {
		stats = []harvest.PatternStats{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"patterns": stats})
}

type createPatternRequest struct {
	Target      string `json:"target"`
	PrefixMatch bool   `json:"prefix_match"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	SortOrder   int    `json:"sort_order"`
}

func (s *Server) createPattern(w http.ResponseWriter, r *http.Request) {
	var req createPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := s.deps.Patterns.Register(r.Context(), patterns.Input{
		Target:      req.Target,
		PrefixMatch: req.PrefixMatch,
		Name:        req.Name,
		Slug:        req.Slug,
		SortOrder:   req.SortOrder,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"pattern":   p,
		"url_query": patterns.URLQuery(p),
	})
}

func (s *Server) setPatternActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid pattern id")
			return
		}
		var p harvest.Pattern
		if active {
			p, err = s.deps.Patterns.Activate(r.Context(), id)
		} else {
			p, err = s.deps.Patterns.Deactivate(r.Context(), id)
		}
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"pattern": p})
	}
}

func (s *Server) invalidDigests(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Reports.InvalidDigests(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []harvest.InvalidDigest{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invalid_digests": rows})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Reports.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, harvest.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, harvest.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, harvest.ErrDuplicatePattern), errors.Is(err, harvest.ErrOrderConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, harvest.ErrStoreUnavailable):
		s.logger.Error("store unavailable", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				_ = writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
