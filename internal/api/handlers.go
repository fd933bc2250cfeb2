package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/NaveedAhmed286/amazon-scraper/internal/dispatcher"
	"github.com/NaveedAhmed286/amazon-scraper/internal/normalize"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/search"
)

var (
	asinPattern   = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	domainPattern = regexp.MustCompile(`^[a-z]{2,3}(\.[a-z]{2})?$`)
)

type acceptedJob struct {
	JobID  string            `json:"job_id"`
	Key    string            `json:"key,omitempty"`
	Status scraper.JobStatus `json:"status"`
}

type scrapeRequest struct {
	URLs      []string `json:"urls"`
	ASINs     []string `json:"asins"`
	Domain    string   `json:"domain"`
	Namespace string   `json:"namespace"`
}

type searchRequest struct {
	Keyword    string `json:"keyword"`
	Domain     string `json:"domain"`
	MaxResults int    `json:"max_results"`
	Namespace  string `json:"namespace"`
}

func namespaceParam(r *http.Request) string {
	if ns := strings.TrimSpace(r.URL.Query().Get("namespace")); ns != "" {
		return ns
	}
	return dispatcher.DefaultNamespace
}

func limitParam(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

// submitRecords accepts one RawRecord or an array of them. Records are
// validated by the workers; a rejected record fails its own job only.
func (s *Server) submitRecords(w http.ResponseWriter, r *http.Request) {
	records, err := normalize.Decode(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, bodyErrStatus(err), err.Error())
		return
	}
	switch {
	case len(records) == 0:
		writeError(w, http.StatusBadRequest, "at least one record required")
		return
	case len(records) > s.opts.MaxRecords:
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d records per request", s.opts.MaxRecords))
		return
	}

	subs := make([]dispatcher.Submission, 0, len(records))
	for _, rec := range records {
		subs = append(subs, dispatcher.Submission{
			Kind:      scraper.JobKindIngest,
			Key:       normalize.RecordKey(rec),
			Namespace: namespaceParam(r),
			Payload:   rec,
		})
	}
	s.enqueueAll(w, r, subs)
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, bodyErrStatus(err), "invalid JSON")
		return
	}
	subs, err := s.scrapeSubmissions(req, namespaceParam(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(subs) > s.opts.MaxScrapeItems {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d products per request", s.opts.MaxScrapeItems))
		return
	}
	s.enqueueAll(w, r, subs)
}

// submitSearch fetches one results page for the keyword and enqueues an
// ingest job per result card, in page order.
func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		writeError(w, http.StatusNotImplemented, "search is not configured")
		return
	}
	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, bodyErrStatus(err), "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		writeError(w, http.StatusBadRequest, "keyword required")
		return
	}
	domain := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.Domain)), "amazon.")
	if domain == "" {
		domain = s.opts.DefaultDomain
	}
	if !domainPattern.MatchString(domain) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid domain %q", req.Domain))
		return
	}
	if req.MaxResults < 0 {
		writeError(w, http.StatusBadRequest, "max_results must not be negative")
		return
	}
	namespace := namespaceParam(r)
	if req.Namespace != "" {
		namespace = req.Namespace
	}

	records, err := s.deps.Searcher.Search(r.Context(), search.Query{
		Keyword:    req.Keyword,
		Domain:     domain,
		MaxResults: min(req.MaxResults, search.MaxResults),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	subs := make([]dispatcher.Submission, 0, len(records))
	for _, rec := range records {
		subs = append(subs, dispatcher.Submission{
			Kind:      scraper.JobKindIngest,
			Key:       normalize.RecordKey(rec),
			Namespace: namespace,
			Payload:   rec,
		})
	}
	s.enqueueAll(w, r, subs)
}

func (s *Server) scrapeSubmissions(req scrapeRequest, namespace string) ([]dispatcher.Submission, error) {
	if req.Namespace != "" {
		namespace = req.Namespace
	}
	if len(req.URLs) == 0 && len(req.ASINs) == 0 {
		return nil, errors.New("urls or asins required")
	}
	subs := make([]dispatcher.Submission, 0, len(req.URLs)+len(req.ASINs))
	for _, raw := range req.URLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid url %q", raw)
		}
		subs = append(subs, dispatcher.Submission{Kind: scraper.JobKindScrape, Namespace: namespace, URL: u.String()})
	}

	domain := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.Domain)), "amazon.")
	if domain == "" {
		domain = s.opts.DefaultDomain
	}
	if len(req.ASINs) > 0 && !domainPattern.MatchString(domain) {
		return nil, fmt.Errorf("invalid domain %q", req.Domain)
	}
	for _, raw := range req.ASINs {
		asin := strings.ToUpper(strings.TrimSpace(raw))
		if !asinPattern.MatchString(asin) {
			return nil, fmt.Errorf("invalid asin %q", raw)
		}
		subs = append(subs, dispatcher.Submission{
			Kind:      scraper.JobKindScrape,
			Key:       asin,
			Namespace: namespace,
			URL:       fmt.Sprintf("https://www.amazon.%s/dp/%s", domain, asin),
		})
	}
	return subs, nil
}

// enqueueAll submits in order and stops at the first refusal. Jobs accepted
// before it are still reported.
func (s *Server) enqueueAll(w http.ResponseWriter, r *http.Request, subs []dispatcher.Submission) {
	accepted := make([]acceptedJob, 0, len(subs))
	for _, sub := range subs {
		job, err := s.deps.Submitter.Enqueue(r.Context(), sub)
		if err != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "jobs": accepted})
			return
		}
		accepted = append(accepted, acceptedJob{JobID: job.ID, Key: job.Key, Status: job.Status})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": accepted})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := scraper.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", scraper.JobStatusQueued, scraper.JobStatusRunning, scraper.JobStatusRetrying,
		scraper.JobStatusSucceeded, scraper.JobStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, err := limitParam(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, tier, err := s.deps.Memory.LookupItem(r.Context(), namespaceParam(r), chi.URLParam(r, "asin"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "tier": tier})
}

func (s *Server) getMemory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Memory.Get(r.Context(),
		scraper.Tier(chi.URLParam(r, "tier")),
		chi.URLParam(r, "namespace"),
		chi.URLParam(r, "key"),
	)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// putMemory stores the request body, which must be JSON, as the entry
// value. The optional ttl query parameter applies to the short-term tier.
func (s *Server) putMemory(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, bodyErrStatus(err), "unreadable body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
	}
	tier := scraper.Tier(chi.URLParam(r, "tier"))
	entry, err := s.deps.Memory.Put(r.Context(), tier, chi.URLParam(r, "namespace"), chi.URLParam(r, "key"), body, ttl)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	code := http.StatusOK
	if tier == scraper.TierEpisodic {
		code = http.StatusCreated
	}
	writeJSON(w, code, entry)
}

func (s *Server) namespaceContext(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Memory.Context(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) retryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Retries.Stats())
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": []scraper.DeadLetter{}})
		return
	}
	limit, err := limitParam(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	letters, err := s.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// bodyErrStatus is 413 when the body hit MaxBodyBytes and 400 otherwise.
func bodyErrStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
