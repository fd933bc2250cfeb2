// Package search runs Amazon keyword searches and turns the result cards
// into raw records ready for ingestion.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/extract"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// MaxResults caps how many result cards one search returns.
const MaxResults = 50

// DefaultResults is used when a query does not name a count.
const DefaultResults = 10

// ErrNotAllowed is returned when the fetch policy refuses the search URL.
var ErrNotAllowed = errors.New("search blocked by fetch policy")

// Query describes one keyword search.
type Query struct {
	Keyword    string
	Domain     string
	MaxResults int
}

// Deps are the collaborators a Service needs. Limiter and Policy are optional.
type Deps struct {
	Fetcher scraper.Fetcher
	Limiter scraper.RateLimiter
	Policy  scraper.Policy
}

// ResultReporter receives upstream response codes, letting a rate limiter
// adapt.
type ResultReporter interface {
	ReportResult(url string, status int)
}

// Service fetches search result pages.
type Service struct {
	deps      Deps
	extractor *extract.SearchPage
	logger    *zap.Logger
}

// New constructs a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, extractor: extract.NewSearch(), logger: logger.Named("search")}
}

// Search fetches the first results page for q and returns up to
// q.MaxResults raw records in page order.
func (s *Service) Search(ctx context.Context, q Query) ([]scraper.RawRecord, error) {
	keyword := strings.TrimSpace(q.Keyword)
	if keyword == "" {
		return nil, &scraper.ValidationError{Problems: []scraper.FieldError{{Field: "keyword", Reason: "missing"}}}
	}
	domain := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(q.Domain)), "amazon.")
	if domain == "" {
		domain = "com"
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = DefaultResults
	}
	limit = min(limit, MaxResults)

	target := extract.SearchURL(domain, keyword)
	if s.deps.Policy != nil && !s.deps.Policy.AllowFetch(target) {
		return nil, fmt.Errorf("fetch %s: %w", target, ErrNotAllowed)
	}
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Wait(ctx, target); err != nil {
			return nil, err
		}
	}
	resp, err := s.deps.Fetcher.Fetch(ctx, scraper.FetchRequest{URL: target})
	if reporter, ok := s.deps.Limiter.(ResultReporter); ok {
		switch {
		case err == nil:
			reporter.ReportResult(target, resp.StatusCode)
		case scraper.IsTransient(err) && ctx.Err() == nil:
			reporter.ReportResult(target, http.StatusTooManyRequests)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch search page: %w", err)
	}

	records, err := s.extractor.ExtractResults(resp, keyword, limit)
	if err != nil {
		return nil, err
	}
	s.logger.Info("search completed",
		zap.String("keyword", keyword),
		zap.String("domain", domain),
		zap.Int("results", len(records)),
	)
	return records, nil
}
