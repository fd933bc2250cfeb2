package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/dispatcher"
	"github.com/NaveedAhmed286/amazon-scraper/internal/health"
	"github.com/NaveedAhmed286/amazon-scraper/internal/memory"
	"github.com/NaveedAhmed286/amazon-scraper/internal/middleware"
	"github.com/NaveedAhmed286/amazon-scraper/internal/retry"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/search"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// Submitter creates jobs.
type Submitter interface {
	Enqueue(ctx context.Context, sub dispatcher.Submission) (scraper.Job, error)
}

// Memory is the tiered store as used by the handlers.
type Memory interface {
	Put(ctx context.Context, tier scraper.Tier, namespace, key string, value json.RawMessage, ttl time.Duration) (scraper.MemoryEntry, error)
	Get(ctx context.Context, tier scraper.Tier, namespace, key string) (scraper.MemoryEntry, error)
	LookupItem(ctx context.Context, namespace, asin string) (scraper.NormalizedItem, scraper.Tier, error)
	Context(ctx context.Context, namespace string) (memory.NamespaceContext, error)
}

// Readiness reports the health monitor state.
type Readiness interface {
	Ready() bool
	Report() health.Report
}

// RetryStats exposes the retry queue.
type RetryStats interface {
	Stats() retry.Stats
}

// DeadLetters lists exhausted jobs.
type DeadLetters interface {
	ListDeadLetters(ctx context.Context, limit int) ([]scraper.DeadLetter, error)
}

// Searcher runs keyword searches against a marketplace.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]scraper.RawRecord, error)
}

// Deps are the collaborators behind the routes. DeadLetters and Searcher
// may be nil.
type Deps struct {
	Jobs        scraper.JobStore
	Submitter   Submitter
	Memory      Memory
	Health      Readiness
	Retries     RetryStats
	DeadLetters DeadLetters
	Searcher    Searcher
}

// Options tune request handling.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	DefaultDomain  string
	MaxRecords     int
	MaxScrapeItems int
	MaxBodyBytes   int64
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DefaultDomain == "" {
		opts.DefaultDomain = "com"
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 100
	}
	if opts.MaxScrapeItems <= 0 {
		opts.MaxScrapeItems = 50
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	s := &Server{deps: deps, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/records", s.submitRecords)
		r.Post("/scrape", s.submitScrape)
		r.Post("/search", s.submitSearch)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/items/{asin}", s.getItem)
		r.Get("/memory/{tier}/{namespace}/{key}", s.getMemory)
		r.Put("/memory/{tier}/{namespace}/{key}", s.putMemory)
		r.Get("/namespaces/{namespace}/context", s.namespaceContext)
		r.Get("/retries", s.retryStats)
		r.Get("/deadletters", s.listDeadLetters)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	report := s.deps.Health.Report()
	status, code := "ready", http.StatusOK
	if !report.Ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": report.Components,
		"checked_at": report.CheckedAt,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scraper.ErrNotFound):
		return http.StatusNotFound
	case scraper.IsValidation(err):
		return http.StatusBadRequest
	case scraper.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, search.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, memory.ErrAppendOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, scraper.ErrQueueFull), errors.Is(err, scraper.ErrQueueClosed), scraper.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	var verr *scraper.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, code, map[string]any{"error": err.Error(), "problems": verr.Problems})
		return
	}
	writeError(w, code, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
