// Package memory holds in-process implementations of the job store, the
// memory tiers, and the blob store, used in development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// JobStore keeps job metadata in a map guarded by a RWMutex.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]scraper.Job
	clock scraper.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock scraper.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]scraper.Job),
		clock: clock,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies a status transition. Terminal jobs are not reopened.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update scraper.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	if job.Status.Terminal() {
		return nil
	}
	now := s.clock.Now()
	job.Status = update.Status
	job.Attempt = update.Attempt
	job.Error = update.Error
	job.FailureReason = update.FailureReason
	if update.ResultKey != "" {
		job.ResultKey = update.ResultKey
	}
	job.UpdatedAt = now
	if update.Status == scraper.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if update.Status.Terminal() {
		job.FinishedAt = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs with the given status (all when empty), newest first.
func (s *JobStore) ListJobs(_ context.Context, status scraper.JobStatus, limit int) ([]scraper.Job, error) {
	s.mu.RLock()
	out := make([]scraper.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneFinished drops terminal jobs that finished before cutoff.
func (s *JobStore) PruneFinished(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
