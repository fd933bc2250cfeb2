// Package health tracks the reachability of backing services and derives
// process readiness from it.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// Pinger is anything that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config controls probing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ComponentStatus is the last probe result of one component.
type ComponentStatus struct {
	Up        bool      `json:"up"`
	Required  bool      `json:"required"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Since     time.Time `json:"since"`
}

// Report is a readiness snapshot.
type Report struct {
	Ready      bool                       `json:"ready"`
	Components map[string]ComponentStatus `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

type check struct {
	name     string
	pinger   Pinger
	required bool
}

// Monitor probes registered components and keeps the latest report. The
// process is ready when every required component answered its last probe.
// Nothing is ready before the first probe.
type Monitor struct {
	cfg    Config
	clock  scraper.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	checks   []check
	statuses map[string]ComponentStatus
	checked  time.Time
	ready    atomic.Bool
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, clock scraper.Clock, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("health"),
		statuses: make(map[string]ComponentStatus),
	}
}

// Register adds a component. Optional components are reported but never
// affect readiness.
func (m *Monitor) Register(name string, pinger Pinger, required bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, pinger: pinger, required: required})
}

// Ready reports the readiness derived from the last probe.
func (m *Monitor) Ready() bool {
	return m.ready.Load()
}

// Report returns a copy of the last probe results.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	components := make(map[string]ComponentStatus, len(m.statuses))
	for name, status := range m.statuses {
		components[name] = status
	}
	return Report{Ready: m.ready.Load(), Components: components, CheckedAt: m.checked}
}

// CheckNow probes every component concurrently and updates readiness.
func (m *Monitor) CheckNow(ctx context.Context) Report {
	m.mu.RLock()
	checks := append([]check(nil), m.checks...)
	m.mu.RUnlock()

	results := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			results[i] = c.pinger.Ping(probeCtx)
			return nil
		})
	}
	_ = g.Wait()

	now := m.clock.Now()
	ready := true
	m.mu.Lock()
	for i, c := range checks {
		err := results[i]
		status := ComponentStatus{Up: err == nil, Required: c.required, CheckedAt: now, Since: now}
		if err != nil {
			status.Error = err.Error()
			if c.required {
				ready = false
			}
		}
		prev, seen := m.statuses[c.name]
		switch {
		case seen && prev.Up == status.Up:
			status.Since = prev.Since
		case seen && status.Up:
			m.logger.Info("component recovered", zap.String("component", c.name))
		case !status.Up:
			m.logger.Warn("component unreachable", zap.String("component", c.name), zap.Error(err))
		}
		m.statuses[c.name] = status
		telemetry.SetComponentUp(c.name, status.Up)
	}
	m.checked = now
	m.mu.Unlock()

	if m.ready.Swap(ready) != ready {
		m.logger.Info("readiness changed", zap.Bool("ready", ready))
	}
	telemetry.SetReady(ready)
	return m.Report()
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.CheckNow(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}
