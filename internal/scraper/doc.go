// Package scraper defines the core types shared across the scraping pipeline:
// raw and normalized product records, jobs and queue items, memory entries,
// the error taxonomy used for routing failures, and the interfaces that the
// storage, queue, fetch, and publish adapters implement.
package scraper
