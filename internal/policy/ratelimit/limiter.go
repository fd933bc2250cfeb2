// Package ratelimit implements per-marketplace token bucket rate limiting.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// Limiter manages per-domain rate limits. Throttling responses halve a
// domain's rate down to MinRPS; a successful response restores the default.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	minRate      rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MinRPS is the floor applied after repeated throttling. Zero selects
	// a tenth of DefaultRPS.
	MinRPS float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	minRate := rate.Limit(cfg.MinRPS)
	if cfg.MinRPS <= 0 {
		minRate = r / 10
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		minRate:      minRate,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's domain.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := Domain(rawURL)
	limiter := l.limiter(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if duration := time.Since(start); duration > time.Millisecond {
		telemetry.ObserveRateLimitDelay(domain, duration)
	}
	return nil
}

// ReportResult adapts the domain's rate to the upstream response status.
func (l *Limiter) ReportResult(rawURL string, status int) {
	if l.defaultRate == rate.Inf {
		return
	}
	limiter := l.limiter(Domain(rawURL))
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		next := limiter.Limit() / 2
		if next < l.minRate {
			next = l.minRate
		}
		limiter.SetLimit(next)
	case status >= 200 && status < 300:
		if limiter.Limit() != l.defaultRate {
			limiter.SetLimit(l.defaultRate)
		}
	}
}

// Limit reports the current rate for the URL's domain.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.limiter(Domain(rawURL)).Limit()
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

// Domain returns the lower-cased host of rawURL without a "www." prefix,
// or "unknown".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
