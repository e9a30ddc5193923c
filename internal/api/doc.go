// Package api hosts the HTTP server, middleware, and JSON handlers for the
// search UI and operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/search for faceted full-text search.
//   - /v1/patterns for the pattern registry (mutations need X-API-Key when
//     auth is enabled).
//   - GET /v1/reports/... for digest mismatches and corpus counts.
package api
