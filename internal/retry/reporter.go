package retry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// FailureReporter records permanently failed jobs: a dead letter in the
// journal, a failed job status and a job.failed event.
type FailureReporter struct {
	jobs      scraper.JobStore
	journal   scraper.RetryJournal
	publisher scraper.Publisher
	topic     string
	logger    *zap.Logger
}

// NewFailureReporter wires the reporter. Any dependency may be nil.
func NewFailureReporter(
	jobs scraper.JobStore,
	journal scraper.RetryJournal,
	publisher scraper.Publisher,
	topic string,
	logger *zap.Logger,
) *FailureReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureReporter{
		jobs:      jobs,
		journal:   journal,
		publisher: publisher,
		topic:     topic,
		logger:    logger.Named("failure_reporter"),
	}
}

// ReportExhausted implements Reporter. Every step is attempted even when an
// earlier one fails.
func (r *FailureReporter) ReportExhausted(ctx context.Context, letter scraper.DeadLetter) error {
	telemetry.ObserveJob(telemetry.OutcomeExhausted)
	telemetry.ObservePermanentFailure(string(scraper.FailureExhausted))

	var errs []error
	if r.journal != nil {
		if err := r.journal.SaveDeadLetter(ctx, letter); err != nil {
			errs = append(errs, fmt.Errorf("save dead letter: %w", err))
		}
	}
	if r.jobs != nil {
		update := scraper.JobUpdate{
			Status:        scraper.JobStatusFailed,
			Attempt:       letter.Attempt,
			Error:         letter.LastError,
			FailureReason: scraper.FailureExhausted,
		}
		if err := r.jobs.UpdateJob(ctx, letter.JobID, update); err != nil {
			errs = append(errs, fmt.Errorf("mark job failed: %w", err))
		}
	}
	if r.publisher != nil && r.topic != "" {
		event := scraper.Event{
			Type:       scraper.EventJobFailed,
			JobID:      letter.JobID,
			Namespace:  letter.Namespace,
			Key:        letter.Key,
			Attempt:    letter.Attempt,
			Error:      letter.LastError,
			OccurredAt: letter.FailedAt,
		}
		if _, err := r.publisher.Publish(ctx, r.topic, event); err != nil {
			errs = append(errs, fmt.Errorf("publish job failed: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("report exhausted job", zap.String("job_id", letter.JobID), zap.Error(err))
		return err
	}
	return nil
}
