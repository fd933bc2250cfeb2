// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/records and /v1/scrape for ingestion.
//   - GET /v1/jobs, /v1/items and /v1/memory for inspection.
package api
