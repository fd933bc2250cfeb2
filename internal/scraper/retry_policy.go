package scraper

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy schedules retries with multiplicative backoff and
// optional jitter. Attempts are 1-based: attempt 1 is the first failure.
type ExponentialRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	// Jitter is the fraction of the delay that is randomized, 0..1.
	Jitter float64
}

// NewExponentialRetryPolicy builds a policy with the production defaults:
// three attempts, 5m then 15m then 45m, capped at two hours.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Minute,
		Factor:      3,
		MaxDelay:    2 * time.Hour,
	}
}

// ShouldRetry reports whether a job that has failed attempt times may run again.
func (p *ExponentialRetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.maxAttempts()
}

// Backoff returns the wait before the run that follows failure number attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter <= 0 {
		return time.Duration(delay)
	}
	jitterSpan := time.Duration(delay * math.Min(p.Jitter, 1))
	return time.Duration(delay) - jitterSpan/2 + p.randomJitter(jitterSpan)
}

func (p *ExponentialRetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
