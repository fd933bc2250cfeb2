// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// AcceptLanguage is sent with every request; Amazon localises prices by it.
	AcceptLanguage string
}

// Fetcher implements scraper.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	clock         scraper.Clock
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt collects what the colly callbacks observed for one visit.
type attempt struct {
	result scraper.FetchResponse
	status int
	err    error
}

// New builds a Fetcher.
func New(cfg Config, clock scraper.Clock) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "en-US,en;q=0.9"
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, baseCollector: c, clock: clock}
}

// Fetch executes a single HTTP GET using Colly. Network failures, 429 and
// 5xx responses are returned as transient errors; other 4xx responses are
// permanent.
func (f *Fetcher) Fetch(ctx context.Context, request scraper.FetchRequest) (scraper.FetchResponse, error) {
	if request.URL == "" {
		return scraper.FetchResponse{}, fmt.Errorf("fetch url is required")
	}
	var at attempt
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, &at)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		return scraper.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case visitErr = <-done:
	}

	if visitErr == nil {
		visitErr = at.err
	}
	if visitErr != nil {
		telemetry.ObserveFetch(request.URL, statusLabel(at.status), false, 0)
		return scraper.FetchResponse{}, classify(ctx, at.status, visitErr)
	}
	at.result.FetchedAt = f.clock.Now()
	telemetry.ObserveFetch(request.URL, statusLabel(at.result.StatusCode), false, len(at.result.Body))
	return at.result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request scraper.FetchRequest,
	start time.Time,
	at *attempt,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		at.status = r.StatusCode
		at.result = scraper.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			at.status = r.StatusCode
		}
		at.err = err
	})
}

// classify maps a failed visit onto transient or permanent errors.
func classify(ctx context.Context, status int, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return scraper.Transient("fetch product page", fmt.Errorf("status %d: %w", status, err))
	case status >= 400:
		return fmt.Errorf("fetch product page: status %d: %w", status, err)
	}
	if isCollectorRefusal(err) {
		return fmt.Errorf("fetch product page: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return scraper.Transient("fetch product page", err)
	}
	return fmt.Errorf("fetch product page: %w", err)
}

// isCollectorRefusal reports errors colly raises before any request is sent.
// Retrying them cannot succeed.
func isCollectorRefusal(err error) bool {
	for _, target := range []error{
		colly.ErrRobotsTxtBlocked,
		colly.ErrForbiddenDomain,
		colly.ErrForbiddenURL,
		colly.ErrMissingURL,
		colly.ErrAlreadyVisited,
		colly.ErrNoURLFiltersMatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

func copyHeaders(request scraper.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
