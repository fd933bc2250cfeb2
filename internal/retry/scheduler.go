package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// Target accepts promoted items.
type Target interface {
	Enqueue(ctx context.Context, item scraper.QueueItem) error
}

// Scheduler periodically moves due retry items back into the workflow queue.
type Scheduler struct {
	queue    *Queue
	target   Target
	jobs     scraper.JobStore
	clock    scraper.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler builds a Scheduler. jobs may be nil.
func NewScheduler(
	queue *Queue,
	target Target,
	jobs scraper.JobStore,
	clock scraper.Clock,
	interval time.Duration,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:    queue,
		target:   target,
		jobs:     jobs,
		clock:    clock,
		interval: interval,
		logger:   logger.Named("retry_scheduler"),
	}
}

// Promote enqueues every due item, earliest first. When the target refuses
// an item, it and everything after it stay pending for the next pass.
func (s *Scheduler) Promote(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due := s.queue.Due(now)
	promoted := 0
	for i, item := range due {
		next := item.QueueItem
		next.EnqueuedAt = now
		if err := s.target.Enqueue(ctx, next); err != nil {
			s.queue.Restore(due[i:])
			return promoted, fmt.Errorf("promote retry %s: %w", item.JobID, err)
		}
		if err := s.queue.Ack(ctx, item.JobID); err != nil {
			s.logger.Warn("ack retry failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
		if s.jobs != nil {
			update := scraper.JobUpdate{Status: scraper.JobStatusQueued, Attempt: item.Attempt, Error: item.LastError}
			if err := s.jobs.UpdateJob(ctx, item.JobID, update); err != nil {
				s.logger.Warn("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
			}
		}
		promoted++
	}
	if promoted > 0 {
		s.logger.Info("promoted retries", zap.Int("count", promoted), zap.Int("pending", s.queue.Len()))
	}
	return promoted, nil
}

// Run promotes due items every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Promote(ctx); err != nil {
			s.logger.Warn("promote retries", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule retry scan %q: %w", spec, err)
	}

	// Anything restored from the journal is promoted before the first tick.
	if _, err := s.Promote(ctx); err != nil {
		s.logger.Warn("initial promote", zap.Error(err))
	}

	c.Start()
	s.logger.Info("retry scheduler started", zap.Duration("interval", s.interval))
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retry scheduler stopped")
	return nil
}
