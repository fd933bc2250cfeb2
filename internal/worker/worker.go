// Package worker implements the job processing loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/logging"
	"github.com/NaveedAhmed286/amazon-scraper/internal/memory"
	"github.com/NaveedAhmed286/amazon-scraper/internal/retry"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// errUnrendered marks a product page that still lacks product markup after
// headless promotion was warranted, typically a robot check.
var errUnrendered = errors.New("product page not rendered")

// Config controls Worker behavior.
type Config struct {
	// RawPrefix is the blob path prefix for archived raw records.
	RawPrefix string
	// Topic receives item and rejection events. Empty disables publishing.
	Topic string
	// JobTimeout bounds one processing attempt. Zero means no bound.
	JobTimeout time.Duration
}

// Retrier parks transiently failed items.
type Retrier interface {
	Schedule(ctx context.Context, item scraper.QueueItem, cause error) (retry.Decision, error)
}

// Recorder persists normalized items.
type Recorder interface {
	RecordItem(ctx context.Context, namespace, jobID string, attempt int, item scraper.NormalizedItem) (memory.RecordResult, error)
}

// Exporter mirrors recorded items to an external sink.
type Exporter interface {
	Export(ctx context.Context, item scraper.NormalizedItem) error
}

// ResultReporter receives upstream response codes, letting a rate limiter
// adapt.
type ResultReporter interface {
	ReportResult(url string, status int)
}

// Deps are the collaborators a Worker needs. Blobs, Publisher, Exporter and
// the scrape collaborators are optional.
type Deps struct {
	Queue      scraper.WorkQueue
	Jobs       scraper.JobStore
	Retries    Retrier
	Normalizer scraper.Normalizer
	Memory     Recorder
	Blobs      scraper.BlobStore
	Publisher  scraper.Publisher
	Exporter   Exporter
	Hasher     scraper.Hasher
	Clock      scraper.Clock

	Probe     scraper.Fetcher
	Headless  scraper.Fetcher
	Detector  scraper.HeadlessDetector
	Extractor scraper.Extractor
	Policy    scraper.Policy
	Limiter   scraper.RateLimiter
}

// Worker consumes queue items and executes the normalize and persist
// pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RawPrefix == "" {
		cfg.RawPrefix = "raw"
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and empty.
func (w *Worker) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scraper.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		telemetry.SetWorkflowQueueDepth(w.deps.Queue.Len())
		w.Process(ctx, item)
	}
	return nil
}

// Process runs one attempt of item and routes its result. It returns the
// outcome recorded in metrics.
func (w *Worker) Process(ctx context.Context, item scraper.QueueItem) string {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	if item.Attempt < 1 {
		item.Attempt = 1
	}

	spanCtx, span := telemetry.StartJobSpan(ctx, item)
	logger := logging.ForItem(w.logger, item)

	if err := w.deps.Jobs.UpdateJob(spanCtx, item.JobID, scraper.JobUpdate{
		Status:  scraper.JobStatusRunning,
		Attempt: item.Attempt,
	}); err != nil && !errors.Is(err, scraper.ErrNotFound) {
		logger.Warn("mark job running failed", zap.Error(err))
	}

	jobCtx := spanCtx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(spanCtx, w.cfg.JobTimeout)
		defer cancel()
	}

	result, err := w.execute(jobCtx, item, logger)
	// Shutdown canceled ctx; bookkeeping must still reach the stores.
	outcome := w.route(context.WithoutCancel(spanCtx), ctx.Err() != nil, item, result, err, logger)
	if outcome != telemetry.OutcomeExhausted {
		telemetry.ObserveJob(outcome)
	}
	telemetry.EndSpan(span, outcome, err)
	return outcome
}

type result struct {
	item      scraper.NormalizedItem
	recorded  memory.RecordResult
	rawURI    string
	processed bool
}

func (w *Worker) execute(ctx context.Context, item scraper.QueueItem, logger *zap.Logger) (result, error) {
	raw, err := w.resolve(ctx, item, logger)
	if err != nil {
		return result{}, err
	}

	var res result
	if res.rawURI, err = w.archive(ctx, item, raw); err != nil {
		return res, err
	}

	res.item, err = w.deps.Normalizer.Normalize(raw)
	if err != nil {
		return res, fmt.Errorf("normalize record: %w", err)
	}

	res.recorded, err = w.deps.Memory.RecordItem(ctx, item.Namespace, item.JobID, item.Attempt, res.item)
	if err != nil {
		return res, fmt.Errorf("record item: %w", err)
	}
	// Runs for already recorded items too, so a retry after a failed export
	// still reaches the sink.
	if w.deps.Exporter != nil {
		if err := w.deps.Exporter.Export(ctx, res.item); err != nil {
			return res, fmt.Errorf("export item: %w", err)
		}
	}
	res.processed = true
	return res, nil
}

// resolve returns the job's RawRecord: inline for ingest jobs, fetched and
// extracted for scrape jobs.
func (w *Worker) resolve(ctx context.Context, item scraper.QueueItem, logger *zap.Logger) (scraper.RawRecord, error) {
	switch item.Kind {
	case scraper.JobKindScrape:
		return w.scrape(ctx, item, logger)
	case scraper.JobKindIngest, "":
		if item.Payload == nil {
			return nil, &scraper.ValidationError{Problems: []scraper.FieldError{{Field: "record", Reason: "missing"}}}
		}
		return item.Payload, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", item.Kind)
	}
}

func (w *Worker) scrape(ctx context.Context, item scraper.QueueItem, logger *zap.Logger) (scraper.RawRecord, error) {
	if w.deps.Probe == nil || w.deps.Extractor == nil {
		return nil, errors.New("scraping is not configured")
	}
	if item.URL == "" {
		return nil, &scraper.ValidationError{Problems: []scraper.FieldError{{Field: "url", Reason: "missing"}}}
	}
	if w.deps.Policy != nil && !w.deps.Policy.AllowFetch(item.URL) {
		return nil, fmt.Errorf("fetch %s: blocked by policy", item.URL)
	}

	resp, err := w.fetch(ctx, w.deps.Probe, item)
	if err != nil {
		return nil, fmt.Errorf("probe fetch: %w", err)
	}

	promote := w.deps.Detector != nil && w.deps.Detector.ShouldPromote(resp)
	if promote && w.deps.Headless != nil && (w.deps.Policy == nil || w.deps.Policy.AllowHeadless(item.URL)) {
		rendered, err := w.fetch(ctx, w.deps.Headless, item)
		if err != nil {
			return nil, fmt.Errorf("headless fetch: %w", err)
		}
		rendered.UsedHeadless = true
		resp = rendered
		promote = false
		logger.Info("headless promotion applied")
	}

	raw, err := w.deps.Extractor.Extract(resp)
	if err != nil {
		return nil, fmt.Errorf("extract product page: %w", err)
	}
	if _, ok := raw["title"]; !ok && promote {
		return nil, scraper.Transient("extract product page", errUnrendered)
	}
	return raw, nil
}

func (w *Worker) fetch(ctx context.Context, fetcher scraper.Fetcher, item scraper.QueueItem) (scraper.FetchResponse, error) {
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, item.URL); err != nil {
			return scraper.FetchResponse{}, err
		}
	}
	resp, err := fetcher.Fetch(ctx, scraper.FetchRequest{JobID: item.JobID, URL: item.URL})
	if reporter, ok := w.deps.Limiter.(ResultReporter); ok {
		switch {
		case err == nil:
			reporter.ReportResult(item.URL, resp.StatusCode)
		case scraper.IsTransient(err) && ctx.Err() == nil:
			reporter.ReportResult(item.URL, http.StatusTooManyRequests)
		}
	}
	return resp, err
}

// archive writes the raw record to raw/<yyyy>/<mm>/<dd>/<fingerprint>.json.
// Identical records share one object.
func (w *Worker) archive(ctx context.Context, item scraper.QueueItem, raw scraper.RawRecord) (string, error) {
	if w.deps.Blobs == nil || w.deps.Hasher == nil {
		return "", nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", &scraper.ValidationError{Problems: []scraper.FieldError{{Field: "record", Reason: "not encodable as JSON"}}}
	}
	fingerprint, err := w.deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash raw record: %w", err)
	}
	now := w.deps.Clock.Now().UTC()
	objectPath := path.Join(
		strings.Trim(w.cfg.RawPrefix, "/"),
		now.Format("2006"), now.Format("01"), now.Format("02"),
		fingerprint+".json",
	)
	uri, err := w.deps.Blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(data))
	if err != nil {
		if scraper.IsTransient(err) {
			return "", fmt.Errorf("archive raw record: %w", err)
		}
		return "", scraper.Transient("archive raw record", err)
	}
	return uri, nil
}

// route applies the job's final state for this attempt.
func (w *Worker) route(
	ctx context.Context,
	shuttingDown bool,
	item scraper.QueueItem,
	res result,
	err error,
	logger *zap.Logger,
) string {
	switch {
	case err == nil:
		return w.succeed(ctx, item, res, logger)
	case shuttingDown:
		return w.requeue(ctx, item, err, logger)
	case scraper.IsValidation(err):
		return w.reject(ctx, item, err, logger)
	case scraper.IsTransient(err):
		return w.retry(ctx, item, err, logger)
	default:
		w.fail(ctx, item, err, scraper.FailurePermanent, logger)
		return telemetry.OutcomeFailed
	}
}

func (w *Worker) succeed(ctx context.Context, item scraper.QueueItem, res result, logger *zap.Logger) string {
	if err := w.deps.Jobs.UpdateJob(ctx, item.JobID, scraper.JobUpdate{
		Status:    scraper.JobStatusSucceeded,
		Attempt:   item.Attempt,
		ResultKey: res.recorded.ProductKey,
	}); err != nil {
		logger.Error("mark job succeeded failed", zap.Error(err))
	}
	normalized := res.item
	w.publish(ctx, scraper.Event{
		Type:       scraper.EventItemNormalized,
		JobID:      item.JobID,
		Namespace:  item.Namespace,
		Key:        normalized.ASIN,
		Attempt:    item.Attempt,
		Item:       &normalized,
		OccurredAt: w.deps.Clock.Now(),
	}, logger)
	logger.Info("item recorded",
		zap.String("asin", normalized.ASIN),
		zap.Bool("already_recorded", res.recorded.AlreadyRecorded),
		zap.String("raw_uri", res.rawURI),
	)
	return telemetry.OutcomeSucceeded
}

// requeue returns an interrupted item to the head of the workflow queue
// with its attempt unchanged.
func (w *Worker) requeue(ctx context.Context, item scraper.QueueItem, cause error, logger *zap.Logger) string {
	if err := w.deps.Queue.Requeue(item); err != nil {
		logger.Error("requeue interrupted job failed", zap.Error(err))
		return w.retry(ctx, item, cause, logger)
	}
	if err := w.deps.Jobs.UpdateJob(ctx, item.JobID, scraper.JobUpdate{
		Status:  scraper.JobStatusQueued,
		Attempt: item.Attempt,
	}); err != nil {
		logger.Warn("mark job queued failed", zap.Error(err))
	}
	logger.Info("interrupted job requeued", zap.NamedError("cause", cause))
	return telemetry.OutcomeRequeued
}

func (w *Worker) reject(ctx context.Context, item scraper.QueueItem, cause error, logger *zap.Logger) string {
	w.fail(ctx, item, cause, scraper.FailureValidation, logger)
	w.publish(ctx, scraper.Event{
		Type:       scraper.EventRecordRejected,
		JobID:      item.JobID,
		Namespace:  item.Namespace,
		Key:        item.Key,
		Attempt:    item.Attempt,
		Error:      cause.Error(),
		OccurredAt: w.deps.Clock.Now(),
	}, logger)
	return telemetry.OutcomeRejected
}

func (w *Worker) retry(ctx context.Context, item scraper.QueueItem, cause error, logger *zap.Logger) string {
	if w.deps.Retries == nil {
		w.fail(ctx, item, cause, scraper.FailurePermanent, logger)
		return telemetry.OutcomeFailed
	}
	// The job is marked before Schedule: once scheduled, the scheduler may
	// promote it and set it queued at any moment. An exhausted job is then
	// overwritten as failed by the failure reporter.
	if err := w.deps.Jobs.UpdateJob(ctx, item.JobID, scraper.JobUpdate{
		Status:  scraper.JobStatusRetrying,
		Attempt: max(item.Attempt, 1) + 1,
		Error:   cause.Error(),
	}); err != nil {
		logger.Warn("mark job retrying failed", zap.Error(err))
	}
	decision, err := w.deps.Retries.Schedule(ctx, item, cause)
	if err != nil {
		logger.Error("schedule retry failed", zap.Error(err))
	}
	if decision.Outcome == retry.Exhausted {
		return telemetry.OutcomeExhausted
	}
	logger.Info("job scheduled for retry",
		zap.Int("next_attempt", decision.Item.Attempt),
		zap.Time("next_run_at", decision.Item.NextRunAt),
		zap.NamedError("cause", cause),
	)
	return telemetry.OutcomeRetried
}

func (w *Worker) fail(ctx context.Context, item scraper.QueueItem, cause error, reason scraper.FailureReason, logger *zap.Logger) {
	telemetry.ObservePermanentFailure(string(reason))
	if err := w.deps.Jobs.UpdateJob(ctx, item.JobID, scraper.JobUpdate{
		Status:        scraper.JobStatusFailed,
		Attempt:       item.Attempt,
		Error:         cause.Error(),
		FailureReason: reason,
	}); err != nil {
		logger.Error("mark job failed failed", zap.Error(err))
	}
	logger.Warn("job failed", zap.String("reason", string(reason)), zap.Error(cause))
}

func (w *Worker) publish(ctx context.Context, event scraper.Event, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish event failed", zap.String("event", event.Type), zap.Error(err))
	}
}
