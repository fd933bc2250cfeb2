package scraper

import (
	"encoding/json"
	"net/http"
	"time"
)

// RawRecord is untyped product JSON as scraped. Nothing about it is trusted.
type RawRecord map[string]any

// NormalizedItem is a validated product record.
type NormalizedItem struct {
	ASIN         string    `json:"asin"`
	Title        string    `json:"title"`
	Price        float64   `json:"price"`
	Currency     string    `json:"currency"`
	Availability string    `json:"availability"`
	Rating       *float64  `json:"rating,omitempty"`
	ReviewCount  *int      `json:"review_count,omitempty"`
	Brand        string    `json:"brand,omitempty"`
	URL          string    `json:"url,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	Domain       string    `json:"domain"`
	Keyword      string    `json:"keyword,omitempty"`
	Position     *int      `json:"position,omitempty"`
	Sponsored    bool      `json:"sponsored"`
	Prime        bool      `json:"prime"`
	Categories   []string  `json:"categories,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
	NormalizedAt time.Time `json:"normalized_at"`
}

// HasPrice reports whether the item carries a positive price.
func (i NormalizedItem) HasPrice() bool {
	return i.Price > 0
}

// JobKind tells a worker where the raw record comes from.
type JobKind string

// Job kinds.
const (
	// JobKindIngest jobs carry their RawRecord inline.
	JobKindIngest JobKind = "ingest"
	// JobKindScrape jobs fetch a product page and extract the RawRecord.
	JobKindScrape JobKind = "scrape"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// FailureReason explains why a job ended in JobStatusFailed.
type FailureReason string

// Failure reasons.
const (
	FailureValidation FailureReason = "validation"
	FailurePermanent  FailureReason = "permanent"
	FailureExhausted  FailureReason = "exhausted"
)

// Job is the metadata tracked for every submitted record or scrape request.
type Job struct {
	ID            string        `json:"id"`
	Kind          JobKind       `json:"kind"`
	Key           string        `json:"key,omitempty"`
	Namespace     string        `json:"namespace"`
	Status        JobStatus     `json:"status"`
	Attempt       int           `json:"attempt"`
	MaxAttempts   int           `json:"max_attempts"`
	Error         string        `json:"error,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	ResultKey     string        `json:"result_key,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// JobUpdate describes a status transition applied by the job store.
type JobUpdate struct {
	Status        JobStatus
	Attempt       int
	Error         string
	FailureReason FailureReason
	ResultKey     string
}

// QueueItem is a job descriptor travelling through the workflow queue.
type QueueItem struct {
	JobID      string    `json:"job_id"`
	Kind       JobKind   `json:"kind"`
	Key        string    `json:"key,omitempty"`
	Namespace  string    `json:"namespace"`
	Payload    RawRecord `json:"payload,omitempty"`
	URL        string    `json:"url,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RetryItem is a QueueItem parked until NextRunAt.
type RetryItem struct {
	QueueItem
	NextRunAt time.Time `json:"next_run_at"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetter records a job whose retry budget ran out.
type DeadLetter struct {
	RetryItem
	FailedAt time.Time `json:"failed_at"`
}

// Tier is a memory storage class.
type Tier string

// Memory tiers.
const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierEpisodic  Tier = "episodic"
)

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierShortTerm, TierLongTerm, TierEpisodic:
		return true
	default:
		return false
	}
}

// MemoryEntry is a keyed value stored in one tier.
type MemoryEntry struct {
	Tier      Tier            `json:"tier"`
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// FetchRequest captures everything needed to fetch a product page.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	FetchedAt    time.Time
}

// Event is the envelope published for item and job lifecycle changes.
type Event struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	Namespace  string          `json:"namespace,omitempty"`
	Key        string          `json:"key,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Error      string          `json:"error,omitempty"`
	Item       *NormalizedItem `json:"item,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Event types.
const (
	EventItemNormalized = "item.normalized"
	EventRecordRejected = "record.rejected"
	EventJobFailed      = "job.failed"
)
