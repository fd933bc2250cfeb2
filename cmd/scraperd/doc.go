// Package main hosts the scraper service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics, record ingestion, scrape requests, job
//     lookup and the memory tiers. Submissions become jobs in the JobStore before they are enqueued.
//   - Dispatcher & queue: jobs flow through a bounded FIFO workflow queue and are fanned out to a fixed worker pool
//     sized by workers.count. A job for a given ASIN is never processed by two workers at once.
//   - Pipeline: a worker resolves the raw record (ingested payload, or Colly probe fetch with optional Chromedp
//     promotion and goquery extraction), archives it, normalizes it and records it in the memory tiers.
//   - Retries: transient failures are scheduled with exponential backoff in the retry queue, journaled to SQLite, and
//     promoted back onto the workflow queue by the scheduler. Exhausted jobs become dead letters. Validation failures
//     are terminal.
//   - Readiness: the health monitor pings the memory store and journal; /readyz turns ready once the store answers
//     and back to not ready when it goes away, without a restart.
//
// Operational notes:
//   - On SIGINT/SIGTERM the HTTP server drains, workers hand their in-flight job back to the queue, and everything
//     still queued is parked in the retry journal so the next boot picks it up.
//   - Configure via a YAML file (--config) or SCRAPER_* environment variables, e.g. SCRAPER_SERVER_PORT,
//     SCRAPER_MEMORY_BACKEND=postgres with SCRAPER_DB_DSN, SCRAPER_STORAGE_BACKEND=gcs with SCRAPER_STORAGE_BUCKET.
//
// Quick checklist:
//   - Run locally: go run ./cmd/scraperd serve --config config.yaml
//   - Validate a dataset export offline: go run ./cmd/scraperd normalize items.json
//   - Inspect permanently failed jobs: go run ./cmd/scraperd deadletters --config config.yaml --limit 20
package main
