// Package retry parks transiently failed jobs and feeds them back into the
// workflow queue once their backoff has elapsed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// Outcome is the result of Queue.Schedule.
type Outcome int

// Schedule outcomes.
const (
	Scheduled Outcome = iota + 1
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Scheduled:
		return "scheduled"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Policy decides whether and when a failed attempt runs again.
type Policy interface {
	ShouldRetry(attempt int) bool
	Backoff(attempt int) time.Duration
}

// Reporter is told about jobs whose retry budget ran out.
type Reporter interface {
	ReportExhausted(ctx context.Context, letter scraper.DeadLetter) error
}

// Decision describes what Schedule did with an item.
type Decision struct {
	Outcome Outcome
	Item    scraper.RetryItem
}

// Stats summarises the pending set.
type Stats struct {
	Pending   int        `json:"pending"`
	Due       int        `json:"due"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Queue holds retry items keyed by job ID. A journal, when configured,
// mirrors the pending set so it survives restarts.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]scraper.RetryItem
	policy   Policy
	journal  scraper.RetryJournal
	reporter Reporter
	clock    scraper.Clock
	logger   *zap.Logger
}

// NewQueue constructs a retry queue. journal and reporter may be nil.
func NewQueue(
	policy Policy,
	journal scraper.RetryJournal,
	reporter Reporter,
	clock scraper.Clock,
	logger *zap.Logger,
) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pending:  make(map[string]scraper.RetryItem),
		policy:   policy,
		journal:  journal,
		reporter: reporter,
		clock:    clock,
		logger:   logger.Named("retry"),
	}
}

// Schedule records a failed attempt of item. When the policy allows another
// try the item is parked with the next attempt number until its backoff
// elapses; otherwise it is reported as exhausted and never requeued.
func (q *Queue) Schedule(ctx context.Context, item scraper.QueueItem, cause error) (Decision, error) {
	attempt := item.Attempt
	if attempt < 1 {
		attempt = 1
	}
	item.Attempt = attempt
	now := q.clock.Now()
	retry := scraper.RetryItem{QueueItem: item, CreatedAt: now}
	if cause != nil {
		retry.LastError = cause.Error()
	}

	if !q.policy.ShouldRetry(attempt) {
		q.mu.Lock()
		delete(q.pending, item.JobID)
		depth := len(q.pending)
		q.mu.Unlock()
		telemetry.SetRetryQueueDepth(depth)

		letter := scraper.DeadLetter{RetryItem: retry, FailedAt: now}
		q.logger.Warn("retry budget exhausted",
			zap.String("job_id", item.JobID),
			zap.Int("attempt", attempt),
			zap.String("error", retry.LastError),
		)
		if q.reporter != nil {
			if err := q.reporter.ReportExhausted(ctx, letter); err != nil {
				return Decision{Outcome: Exhausted, Item: retry}, fmt.Errorf("report exhausted job: %w", err)
			}
		}
		return Decision{Outcome: Exhausted, Item: retry}, nil
	}

	retry.Attempt = attempt + 1
	retry.NextRunAt = now.Add(q.policy.Backoff(attempt))

	q.mu.Lock()
	q.pending[item.JobID] = retry
	depth := len(q.pending)
	q.mu.Unlock()
	telemetry.ObserveRetryScheduled()
	telemetry.SetRetryQueueDepth(depth)

	q.persist(ctx, retry)
	q.logger.Info("retry scheduled",
		zap.String("job_id", item.JobID),
		zap.Int("next_attempt", retry.Attempt),
		zap.Time("next_run_at", retry.NextRunAt),
	)
	return Decision{Outcome: Scheduled, Item: retry}, nil
}

// Park stores items as immediately due without consuming an attempt. It is
// used during shutdown so queued work is picked up again on the next start.
func (q *Queue) Park(ctx context.Context, items []scraper.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	now := q.clock.Now()
	var errs []error
	for _, item := range items {
		if item.Attempt < 1 {
			item.Attempt = 1
		}
		retry := scraper.RetryItem{
			QueueItem: item,
			NextRunAt: now,
			LastError: "parked during shutdown",
			CreatedAt: now,
		}
		q.mu.Lock()
		q.pending[item.JobID] = retry
		q.mu.Unlock()
		if q.journal != nil {
			if err := q.journal.SaveRetry(ctx, retry); err != nil {
				errs = append(errs, fmt.Errorf("park %s: %w", item.JobID, err))
			}
		}
	}
	telemetry.SetRetryQueueDepth(q.Len())
	return errors.Join(errs...)
}

// Load restores journaled items. Items whose NextRunAt has passed become due
// on the next promotion.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	items, err := q.journal.LoadRetries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load retries: %w", err)
	}
	q.mu.Lock()
	for _, item := range items {
		q.pending[item.JobID] = item
	}
	depth := len(q.pending)
	q.mu.Unlock()
	telemetry.SetRetryQueueDepth(depth)
	return len(items), nil
}

// Due removes and returns items whose NextRunAt is not after now, earliest
// first. Callers must Ack promoted items or Restore the rest.
func (q *Queue) Due(now time.Time) []scraper.RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []scraper.RetryItem
	for id, item := range q.pending {
		if !item.NextRunAt.After(now) {
			due = append(due, item)
			delete(q.pending, id)
		}
	}
	sortByDue(due)
	return due
}

// Restore returns items taken by Due to the pending set.
func (q *Queue) Restore(items []scraper.RetryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		q.pending[item.JobID] = item
	}
}

// Ack drops a promoted item from the journal.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	telemetry.SetRetryQueueDepth(q.Len())
	if q.journal == nil {
		return nil
	}
	if err := q.journal.DeleteRetry(ctx, jobID); err != nil {
		return fmt.Errorf("ack retry %s: %w", jobID, err)
	}
	return nil
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the pending items, earliest first.
func (q *Queue) Pending() []scraper.RetryItem {
	q.mu.Lock()
	out := make([]scraper.RetryItem, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item)
	}
	q.mu.Unlock()
	sortByDue(out)
	return out
}

// Stats reports the pending count, how many are due now and the earliest
// NextRunAt.
func (q *Queue) Stats() Stats {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Pending: len(q.pending)}
	for _, item := range q.pending {
		if !item.NextRunAt.After(now) {
			stats.Due++
		}
		if stats.NextRunAt == nil || item.NextRunAt.Before(*stats.NextRunAt) {
			next := item.NextRunAt
			stats.NextRunAt = &next
		}
	}
	return stats
}

func (q *Queue) persist(ctx context.Context, item scraper.RetryItem) {
	if q.journal == nil {
		return
	}
	if err := q.journal.SaveRetry(ctx, item); err != nil {
		// The in-memory copy still drives promotion; only restart durability is lost.
		q.logger.Warn("journal retry failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func sortByDue(items []scraper.RetryItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].NextRunAt.Equal(items[j].NextRunAt) {
			return items[i].NextRunAt.Before(items[j].NextRunAt)
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].JobID < items[j].JobID
	})
}
