package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

type entryKey struct {
	namespace string
	key       string
}

// ShortTermStore is a TTL cache. Expired entries are invisible to readers
// immediately and are physically removed by Sweep.
type ShortTermStore struct {
	mu      sync.RWMutex
	entries map[entryKey]scraper.MemoryEntry
	clock   scraper.Clock
}

// NewShortTermStore creates an empty ShortTermStore.
func NewShortTermStore(clock scraper.Clock) *ShortTermStore {
	return &ShortTermStore{
		entries: make(map[entryKey]scraper.MemoryEntry),
		clock:   clock,
	}
}

// Set stores entry with the given time-to-live, replacing any previous value.
func (s *ShortTermStore) Set(_ context.Context, entry scraper.MemoryEntry, ttl time.Duration) (scraper.MemoryEntry, error) {
	if ttl <= 0 {
		return scraper.MemoryEntry{}, fmt.Errorf("short-term ttl must be positive, got %s", ttl)
	}
	now := s.clock.Now()
	expires := now.Add(ttl)
	k := entryKey{entry.Namespace, entry.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Tier = scraper.TierShortTerm
	entry.Value = cloneBytes(entry.Value)
	entry.CreatedAt = now
	if prev, ok := s.entries[k]; ok && prev.ExpiresAt != nil && prev.ExpiresAt.After(now) {
		entry.CreatedAt = prev.CreatedAt
	}
	entry.UpdatedAt = now
	entry.ExpiresAt = &expires
	s.entries[k] = entry
	return copyEntry(entry), nil
}

// Get returns a live entry or scraper.ErrNotFound.
func (s *ShortTermStore) Get(_ context.Context, namespace, key string) (scraper.MemoryEntry, error) {
	now := s.clock.Now()
	s.mu.RLock()
	entry, ok := s.entries[entryKey{namespace, key}]
	s.mu.RUnlock()
	if !ok || expired(entry, now) {
		return scraper.MemoryEntry{}, fmt.Errorf("short-term %s/%s: %w", namespace, key, scraper.ErrNotFound)
	}
	return copyEntry(entry), nil
}

// Delete removes an entry. Missing keys are not an error.
func (s *ShortTermStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	delete(s.entries, entryKey{namespace, key})
	s.mu.Unlock()
	return nil
}

// List returns live entries of a namespace, most recently updated first.
func (s *ShortTermStore) List(_ context.Context, namespace string, limit int) ([]scraper.MemoryEntry, error) {
	now := s.clock.Now()
	s.mu.RLock()
	out := make([]scraper.MemoryEntry, 0)
	for k, entry := range s.entries {
		if k.namespace == namespace && !expired(entry, now) {
			out = append(out, copyEntry(entry))
		}
	}
	s.mu.RUnlock()
	sortRecentFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len counts stored entries, including expired ones not yet swept.
func (s *ShortTermStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (s *ShortTermStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, entry := range s.entries {
		if expired(entry, now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is done.
func (s *ShortTermStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func expired(entry scraper.MemoryEntry, now time.Time) bool {
	return entry.ExpiresAt != nil && !now.Before(*entry.ExpiresAt)
}

func copyEntry(e scraper.MemoryEntry) scraper.MemoryEntry {
	e.Value = cloneBytes(e.Value)
	if e.ExpiresAt != nil {
		e.ExpiresAt = pointerTime(*e.ExpiresAt)
	}
	return e
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func sortRecentFirst(entries []scraper.MemoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
}
