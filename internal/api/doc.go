// Package api hosts the operator HTTP server that runs alongside a crawl.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sessions and /v1/sessions/{id} for recent crawl sessions.
//   - GET /v1/proxy for the proxy health snapshot.
package api
