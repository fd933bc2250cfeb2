// Package dispatcher manages worker fan-out over the workflow queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// DefaultNamespace is used for submissions that do not name one.
const DefaultNamespace = "default"

// Runner is a worker loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Queue is the workflow queue as seen by the dispatcher.
type Queue interface {
	scraper.WorkQueue
	Drain() []scraper.QueueItem
	Close()
}

// Parker persists items that could not be processed before shutdown.
type Parker interface {
	Park(ctx context.Context, items []scraper.QueueItem) error
}

// Submission describes a new job.
type Submission struct {
	Kind      scraper.JobKind
	Key       string
	Namespace string
	Payload   scraper.RawRecord
	URL       string
}

// Config controls job bookkeeping.
type Config struct {
	MaxAttempts int
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	jobs    scraper.JobStore
	ids     scraper.IDGenerator
	clock   scraper.Clock
	workers []Runner
	parker  Parker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. parker may be nil, in which case items left in
// the queue at shutdown are only logged.
func New(
	queue Queue,
	jobs scraper.JobStore,
	ids scraper.IDGenerator,
	clock scraper.Clock,
	workers []Runner,
	parker Parker,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		workers: workers,
		parker:  parker,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until every one of them has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run workers: %w", err)
	}
	return nil
}

// Enqueue records a queued job for sub and pushes it to the workflow queue.
// When the queue refuses the item the job is marked failed and the queue
// error is returned.
func (d *Dispatcher) Enqueue(ctx context.Context, sub Submission) (scraper.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return scraper.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	if sub.Namespace == "" {
		sub.Namespace = DefaultNamespace
	}
	if sub.Kind == "" {
		sub.Kind = scraper.JobKindIngest
	}
	now := d.clock.Now()
	job := scraper.Job{
		ID:          id,
		Kind:        sub.Kind,
		Key:         sub.Key,
		Namespace:   sub.Namespace,
		Status:      scraper.JobStatusQueued,
		Attempt:     1,
		MaxAttempts: d.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return scraper.Job{}, fmt.Errorf("create job: %w", err)
	}

	item := scraper.QueueItem{
		JobID:      id,
		Kind:       sub.Kind,
		Key:        sub.Key,
		Namespace:  sub.Namespace,
		Payload:    sub.Payload,
		URL:        sub.URL,
		Attempt:    1,
		EnqueuedAt: now,
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		update := scraper.JobUpdate{
			Status:        scraper.JobStatusFailed,
			Attempt:       1,
			Error:         err.Error(),
			FailureReason: scraper.FailurePermanent,
		}
		if uerr := d.jobs.UpdateJob(context.WithoutCancel(ctx), id, update); uerr != nil {
			d.logger.Warn("mark unqueued job failed", zap.String("job_id", id), zap.Error(uerr))
		}
		return scraper.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	telemetry.SetWorkflowQueueDepth(d.queue.Len())
	return job, nil
}

// QueueDepth reports the number of items waiting in the workflow queue.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

// Shutdown closes the queue and parks whatever is still in it, including
// items requeued by interrupted workers. Call it after Run returns.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.queue.Close()
	items := d.queue.Drain()
	telemetry.SetWorkflowQueueDepth(0)
	if len(items) == 0 {
		return nil
	}
	if d.parker == nil {
		d.logger.Warn("dropping queued items at shutdown", zap.Int("count", len(items)))
		return errors.New("no retry journal to park queued items")
	}
	if err := d.parker.Park(ctx, items); err != nil {
		return fmt.Errorf("park queued items: %w", err)
	}
	d.logger.Info("parked queued items", zap.Int("count", len(items)))
	return nil
}
