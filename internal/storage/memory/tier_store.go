package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// DefaultLongTermCap bounds long-term entries per namespace.
const DefaultLongTermCap = 1000

// evictBatch is how many of the oldest long-term entries go when the cap is hit.
const evictBatch = 10

// TierStore implements scraper.TierStore for the long-term and episodic
// tiers. Each namespace/key pair is updated under a single lock, so writes
// to one key are atomic with respect to each other.
type TierStore struct {
	mu       sync.RWMutex
	longTerm map[entryKey]scraper.MemoryEntry
	episodes map[entryKey]scraper.MemoryEntry
	cap      int
	clock    scraper.Clock
}

// NewTierStore creates a TierStore. A cap <= 0 selects DefaultLongTermCap.
func NewTierStore(clock scraper.Clock, longTermCap int) *TierStore {
	if longTermCap <= 0 {
		longTermCap = DefaultLongTermCap
	}
	return &TierStore{
		longTerm: make(map[entryKey]scraper.MemoryEntry),
		episodes: make(map[entryKey]scraper.MemoryEntry),
		cap:      longTermCap,
		clock:    clock,
	}
}

// UpsertLongTerm overwrites the entry under (namespace, key).
func (s *TierStore) UpsertLongTerm(_ context.Context, entry scraper.MemoryEntry) (scraper.MemoryEntry, error) {
	now := s.clock.Now()
	k := entryKey{entry.Namespace, entry.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Tier = scraper.TierLongTerm
	entry.Value = cloneBytes(entry.Value)
	entry.ExpiresAt = nil
	entry.UpdatedAt = now
	if prev, ok := s.longTerm[k]; ok {
		entry.CreatedAt = prev.CreatedAt
	} else {
		entry.CreatedAt = now
		s.evictLocked(entry.Namespace)
	}
	s.longTerm[k] = entry
	return copyEntry(entry), nil
}

// AppendEpisode stores a new episode; an existing key is left untouched and
// a *scraper.ConflictError is returned.
func (s *TierStore) AppendEpisode(_ context.Context, entry scraper.MemoryEntry) (scraper.MemoryEntry, error) {
	now := s.clock.Now()
	k := entryKey{entry.Namespace, entry.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.episodes[k]; exists {
		return scraper.MemoryEntry{}, &scraper.ConflictError{
			Tier:      scraper.TierEpisodic,
			Namespace: entry.Namespace,
			Key:       entry.Key,
		}
	}
	entry.Tier = scraper.TierEpisodic
	entry.Value = cloneBytes(entry.Value)
	entry.ExpiresAt = nil
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.episodes[k] = entry
	return copyEntry(entry), nil
}

// Get returns the entry stored in tier under (namespace, key).
func (s *TierStore) Get(_ context.Context, tier scraper.Tier, namespace, key string) (scraper.MemoryEntry, error) {
	table, err := s.table(tier)
	if err != nil {
		return scraper.MemoryEntry{}, err
	}
	s.mu.RLock()
	entry, ok := table[entryKey{namespace, key}]
	s.mu.RUnlock()
	if !ok {
		return scraper.MemoryEntry{}, fmt.Errorf("%s %s/%s: %w", tier, namespace, key, scraper.ErrNotFound)
	}
	return copyEntry(entry), nil
}

// List returns a namespace's entries in tier, most recent first.
func (s *TierStore) List(_ context.Context, tier scraper.Tier, namespace string, limit int) ([]scraper.MemoryEntry, error) {
	table, err := s.table(tier)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]scraper.MemoryEntry, 0)
	for k, entry := range table {
		if k.namespace == namespace {
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

// DeleteLongTerm removes a long-term entry. Episodes cannot be deleted.
func (s *TierStore) DeleteLongTerm(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{namespace, key}
	if _, ok := s.longTerm[k]; !ok {
		return fmt.Errorf("long_term %s/%s: %w", namespace, key, scraper.ErrNotFound)
	}
	delete(s.longTerm, k)
	return nil
}

// Ping always succeeds for the in-process store.
func (s *TierStore) Ping(context.Context) error {
	return nil
}

func (s *TierStore) table(tier scraper.Tier) (map[entryKey]scraper.MemoryEntry, error) {
	switch tier {
	case scraper.TierLongTerm:
		return s.longTerm, nil
	case scraper.TierEpisodic:
		return s.episodes, nil
	default:
		return nil, fmt.Errorf("tier %q is not served by the tier store", tier)
	}
}

// evictLocked makes room for one more entry in namespace.
func (s *TierStore) evictLocked(namespace string) {
	var inNamespace []scraper.MemoryEntry
	for k, entry := range s.longTerm {
		if k.namespace == namespace {
			inNamespace = append(inNamespace, entry)
		}
	}
	if len(inNamespace) < s.cap {
		return
	}
	sort.Slice(inNamespace, func(i, j int) bool {
		return inNamespace[i].UpdatedAt.Before(inNamespace[j].UpdatedAt)
	})
	drop := evictBatch
	if excess := len(inNamespace) - s.cap + 1; excess > drop {
		drop = excess
	}
	if drop > len(inNamespace) {
		drop = len(inNamespace)
	}
	for _, entry := range inNamespace[:drop] {
		delete(s.longTerm, entryKey{namespace, entry.Key})
	}
}
