// Package memory routes reads and writes across the short-term, long-term
// and episodic memory tiers.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/analyze"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// ErrAppendOnly is returned when deleting from the episodic tier.
var ErrAppendOnly = errors.New("episodic entries are append-only")

// Key prefixes used when recording a normalized item.
const (
	ItemKeyPrefix    = "item:"
	ProductKeyPrefix = "product:"
	JobKeyPrefix     = "job:"
)

// ShortTerm is the TTL tier.
type ShortTerm interface {
	Set(ctx context.Context, entry scraper.MemoryEntry, ttl time.Duration) (scraper.MemoryEntry, error)
	Get(ctx context.Context, namespace, key string) (scraper.MemoryEntry, error)
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string, limit int) ([]scraper.MemoryEntry, error)
}

// Config controls tier defaults.
type Config struct {
	ShortTermTTL time.Duration
	// ContextEpisodes bounds the episodes returned by Context.
	ContextEpisodes int
	// ContextProducts bounds the long-term products summarised by Context.
	ContextProducts int
}

// Manager is the single entry point to the memory tiers.
type Manager struct {
	short  ShortTerm
	tiers  scraper.TierStore
	locks  *KeyLock
	cfg    Config
	clock  scraper.Clock
	logger *zap.Logger
}

// NewManager wires a Manager.
func NewManager(short ShortTerm, tiers scraper.TierStore, cfg Config, clock scraper.Clock, logger *zap.Logger) *Manager {
	if cfg.ShortTermTTL <= 0 {
		cfg.ShortTermTTL = 24 * time.Hour
	}
	if cfg.ContextEpisodes <= 0 {
		cfg.ContextEpisodes = 10
	}
	if cfg.ContextProducts <= 0 {
		cfg.ContextProducts = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		short:  short,
		tiers:  tiers,
		locks:  NewKeyLock(),
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("memory"),
	}
}

// Put writes value to tier. ttl only applies to the short-term tier, where
// zero selects the configured default. Episodic writes to an existing key
// fail with *scraper.ConflictError.
func (m *Manager) Put(ctx context.Context, tier scraper.Tier, namespace, key string, value json.RawMessage, ttl time.Duration) (scraper.MemoryEntry, error) {
	if err := checkAddress(tier, namespace, key); err != nil {
		return scraper.MemoryEntry{}, err
	}
	if !json.Valid(value) {
		verr := &scraper.ValidationError{}
		verr.Add("value", "must be valid JSON")
		return scraper.MemoryEntry{}, verr
	}
	entry := scraper.MemoryEntry{Tier: tier, Namespace: namespace, Key: key, Value: value}

	var (
		stored scraper.MemoryEntry
		err    error
	)
	switch tier {
	case scraper.TierShortTerm:
		if ttl <= 0 {
			ttl = m.cfg.ShortTermTTL
		}
		stored, err = m.short.Set(ctx, entry, ttl)
	case scraper.TierLongTerm:
		stored, err = m.tiers.UpsertLongTerm(ctx, entry)
	case scraper.TierEpisodic:
		stored, err = m.tiers.AppendEpisode(ctx, entry)
	}
	telemetry.ObserveMemoryWrite(string(tier), writeResult(err))
	if err != nil {
		return scraper.MemoryEntry{}, fmt.Errorf("put %s entry: %w", tier, err)
	}
	return stored, nil
}

// Get reads one entry.
func (m *Manager) Get(ctx context.Context, tier scraper.Tier, namespace, key string) (scraper.MemoryEntry, error) {
	if err := checkAddress(tier, namespace, key); err != nil {
		return scraper.MemoryEntry{}, err
	}
	var (
		entry scraper.MemoryEntry
		err   error
	)
	if tier == scraper.TierShortTerm {
		entry, err = m.short.Get(ctx, namespace, key)
	} else {
		entry, err = m.tiers.Get(ctx, tier, namespace, key)
	}
	if err != nil {
		return scraper.MemoryEntry{}, fmt.Errorf("get %s entry: %w", tier, err)
	}
	return entry, nil
}

// Delete removes a short-term or long-term entry.
func (m *Manager) Delete(ctx context.Context, tier scraper.Tier, namespace, key string) error {
	if err := checkAddress(tier, namespace, key); err != nil {
		return err
	}
	var err error
	switch tier {
	case scraper.TierShortTerm:
		err = m.short.Delete(ctx, namespace, key)
	case scraper.TierLongTerm:
		err = m.tiers.DeleteLongTerm(ctx, namespace, key)
	case scraper.TierEpisodic:
		err = ErrAppendOnly
	}
	if err != nil {
		return fmt.Errorf("delete %s entry: %w", tier, err)
	}
	return nil
}

// List returns up to limit entries of a namespace, newest first.
func (m *Manager) List(ctx context.Context, tier scraper.Tier, namespace string, limit int) ([]scraper.MemoryEntry, error) {
	if err := checkAddress(tier, namespace, "-"); err != nil {
		return nil, err
	}
	var (
		entries []scraper.MemoryEntry
		err     error
	)
	if tier == scraper.TierShortTerm {
		entries, err = m.short.List(ctx, namespace, limit)
	} else {
		entries, err = m.tiers.List(ctx, tier, namespace, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s entries: %w", tier, err)
	}
	return entries, nil
}

// Ping reports whether the durable tiers are reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.tiers.Ping(ctx); err != nil {
		return fmt.Errorf("ping tier store: %w", err)
	}
	return nil
}

// Episode is the episodic record written for each processed job.
type Episode struct {
	JobID      string                 `json:"job_id"`
	ASIN       string                 `json:"asin"`
	Attempt    int                    `json:"attempt"`
	Item       scraper.NormalizedItem `json:"item"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// RecordResult describes what RecordItem wrote.
type RecordResult struct {
	ProductKey string
	// AlreadyRecorded is set when the job's episode existed before this call,
	// which happens when an earlier attempt failed after writing it.
	AlreadyRecorded bool
}

// RecordItem persists item under the ASIN's key lock: the short-term cache
// (item:<asin>), the long-term product record (product:<asin>) and the
// job's episode (job:<id>).
func (m *Manager) RecordItem(ctx context.Context, namespace, jobID string, attempt int, item scraper.NormalizedItem) (RecordResult, error) {
	unlock := m.locks.Lock(namespace + "\x00" + item.ASIN)
	defer unlock()

	value, err := json.Marshal(item)
	if err != nil {
		return RecordResult{}, fmt.Errorf("marshal item: %w", err)
	}
	result := RecordResult{ProductKey: ProductKeyPrefix + item.ASIN}

	if _, err := m.Put(ctx, scraper.TierShortTerm, namespace, ItemKeyPrefix+item.ASIN, value, 0); err != nil {
		return result, err
	}
	if _, err := m.Put(ctx, scraper.TierLongTerm, namespace, result.ProductKey, value, 0); err != nil {
		return result, err
	}

	episode, err := json.Marshal(Episode{
		JobID:      jobID,
		ASIN:       item.ASIN,
		Attempt:    attempt,
		Item:       item,
		RecordedAt: m.clock.Now(),
	})
	if err != nil {
		return result, fmt.Errorf("marshal episode: %w", err)
	}
	if _, err := m.Put(ctx, scraper.TierEpisodic, namespace, JobKeyPrefix+jobID, episode, 0); err != nil {
		if !scraper.IsConflict(err) {
			return result, err
		}
		result.AlreadyRecorded = true
		m.logger.Debug("episode already recorded", zap.String("job_id", jobID))
	}
	return result, nil
}

// LookupItem returns the freshest copy of an ASIN: the short-term cache
// first, then the long-term product record.
func (m *Manager) LookupItem(ctx context.Context, namespace, asin string) (scraper.NormalizedItem, scraper.Tier, error) {
	asin = strings.ToUpper(strings.TrimSpace(asin))
	entry, err := m.Get(ctx, scraper.TierShortTerm, namespace, ItemKeyPrefix+asin)
	if errors.Is(err, scraper.ErrNotFound) {
		entry, err = m.Get(ctx, scraper.TierLongTerm, namespace, ProductKeyPrefix+asin)
	}
	if err != nil {
		return scraper.NormalizedItem{}, "", err
	}
	var item scraper.NormalizedItem
	if err := json.Unmarshal(entry.Value, &item); err != nil {
		return scraper.NormalizedItem{}, "", fmt.Errorf("decode item %s: %w", asin, err)
	}
	return item, entry.Tier, nil
}

// NamespaceContext is a compact view of a namespace for downstream consumers.
type NamespaceContext struct {
	Namespace      string          `json:"namespace"`
	RecentEpisodes []Episode       `json:"recent_episodes"`
	Products       analyze.Summary `json:"products"`
}

// Context summarises a namespace: its latest episodes and an analysis of
// the long-term product records.
func (m *Manager) Context(ctx context.Context, namespace string) (NamespaceContext, error) {
	out := NamespaceContext{Namespace: namespace, RecentEpisodes: []Episode{}}

	entries, err := m.List(ctx, scraper.TierEpisodic, namespace, m.cfg.ContextEpisodes)
	if err != nil {
		return out, err
	}
	for _, entry := range entries {
		var ep Episode
		if err := json.Unmarshal(entry.Value, &ep); err != nil || ep.JobID == "" {
			// Written through the generic API; not a job episode.
			continue
		}
		out.RecentEpisodes = append(out.RecentEpisodes, ep)
	}

	products, err := m.List(ctx, scraper.TierLongTerm, namespace, m.cfg.ContextProducts)
	if err != nil {
		return out, err
	}
	items := make([]scraper.NormalizedItem, 0, len(products))
	for _, entry := range products {
		if !strings.HasPrefix(entry.Key, ProductKeyPrefix) {
			continue
		}
		var item scraper.NormalizedItem
		if err := json.Unmarshal(entry.Value, &item); err != nil {
			m.logger.Warn("skip undecodable product", zap.String("key", entry.Key), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	out.Products = analyze.Summarize(items)
	return out, nil
}

func checkAddress(tier scraper.Tier, namespace, key string) error {
	verr := &scraper.ValidationError{}
	if !tier.Valid() {
		verr.Add("tier", fmt.Sprintf("unknown tier %q", tier))
	}
	if strings.TrimSpace(namespace) == "" {
		verr.Add("namespace", "is required")
	}
	if strings.TrimSpace(key) == "" {
		verr.Add("key", "is required")
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

func writeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case scraper.IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
