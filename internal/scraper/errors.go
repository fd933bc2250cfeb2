package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a job, entry, or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQueueClosed is returned by queues after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned when a bounded queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrUnavailable marks a backing service that cannot be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// FieldError describes one rejected field of a raw record.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError rejects a raw record as a whole. It is never retried.
type ValidationError struct {
	Problems []FieldError `json:"problems"`
}

// Add records a field problem.
func (e *ValidationError) Add(field, reason string) {
	e.Problems = append(e.Problems, FieldError{Field: field, Reason: reason})
}

// Empty reports whether no problems were recorded.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Problems) == 0
}

// Fields returns the sorted set of rejected field names.
func (e *ValidationError) Fields() []string {
	seen := make(map[string]struct{}, len(e.Problems))
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if _, ok := seen[p.Field]; ok {
			continue
		}
		seen[p.Field] = struct{}{}
		out = append(out, p.Field)
	}
	sort.Strings(out)
	return out
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "invalid record: " + strings.Join(parts, "; ")
}

// ConflictError is returned when an episodic key is written twice.
type ConflictError struct {
	Tier      Tier
	Namespace string
	Key       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s entry %s/%s already exists", e.Tier, e.Namespace, e.Key)
}

// TransientError wraps failures worth retrying later (network, timeouts,
// unreachable stores).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err should be routed to the retry queue.
// Caller cancellation is not transient; it is handled by shutdown recovery.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
