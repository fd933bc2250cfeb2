package scraper

import (
	"context"
	"io"
	"time"
)

// JobStore persists job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error)
}

// WorkQueue provides FIFO enqueue/dequeue semantics for queue items.
type WorkQueue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	// Requeue puts a recovered item at the head of the queue.
	Requeue(item QueueItem) error
	Len() int
}

// TierStore is a backend for the long-term and episodic memory tiers.
type TierStore interface {
	// UpsertLongTerm overwrites the entry stored under (namespace, key).
	UpsertLongTerm(ctx context.Context, entry MemoryEntry) (MemoryEntry, error)
	// AppendEpisode inserts a new episodic entry or fails with *ConflictError.
	AppendEpisode(ctx context.Context, entry MemoryEntry) (MemoryEntry, error)
	Get(ctx context.Context, tier Tier, namespace, key string) (MemoryEntry, error)
	List(ctx context.Context, tier Tier, namespace string, limit int) ([]MemoryEntry, error)
	DeleteLongTerm(ctx context.Context, namespace, key string) error
	Ping(ctx context.Context) error
}

// RetryJournal persists pending retry items and dead letters.
type RetryJournal interface {
	SaveRetry(ctx context.Context, item RetryItem) error
	DeleteRetry(ctx context.Context, jobID string) error
	LoadRetries(ctx context.Context) ([]RetryItem, error)
	SaveDeadLetter(ctx context.Context, letter DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Ping(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a product page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Extractor turns a fetched product page into a RawRecord.
type Extractor interface {
	Extract(resp FetchResponse) (RawRecord, error)
}

// Normalizer validates a RawRecord into a NormalizedItem.
type Normalizer interface {
	Normalize(raw RawRecord) (NormalizedItem, error)
}

// Policy decides whether a URL may be fetched at all.
type Policy interface {
	AllowFetch(url string) bool
	AllowHeadless(url string) bool
}

// RateLimiter blocks until a request to url is allowed.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
