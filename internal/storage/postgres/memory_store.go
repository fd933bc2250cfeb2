// Package postgres stores the long-term and episodic memory tiers in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultLongTermCap = 1000
	evictBatch         = 10
	defaultListLimit   = 1000
)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	MemoryTable     string
	EpisodeTable    string
	LongTermCap     int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// MemoryStore implements scraper.TierStore. Construction never dials the
// database; the schema is applied on the first successful round trip.
type MemoryStore struct {
	pool         pool
	memoryTable  string
	episodeTable string
	cap          int
	clock        scraper.Clock

	schemaMu    sync.Mutex
	schemaReady atomic.Bool
}

// New creates a MemoryStore with a lazily connecting pgx pool.
func New(ctx context.Context, cfg Config, clock scraper.Clock) (*MemoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	store, err := NewWithPool(p, cfg, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config, clock scraper.Clock) (*MemoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	memoryTable := valueOr(cfg.MemoryTable, "memories")
	episodeTable := valueOr(cfg.EpisodeTable, "episodes")
	for _, table := range []string{memoryTable, episodeTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	capacity := cfg.LongTermCap
	if capacity <= 0 {
		capacity = defaultLongTermCap
	}
	return &MemoryStore{
		pool:         p,
		memoryTable:  memoryTable,
		episodeTable: episodeTable,
		cap:          capacity,
		clock:        clock,
	}, nil
}

// Close releases the underlying pool resources.
func (s *MemoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity and applies the schema once the database answers.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping postgres", err)
	}
	return s.ensureSchema(ctx)
}

// UpsertLongTerm inserts or overwrites (namespace, key) and enforces the
// per-namespace cap when a new key was created.
func (s *MemoryStore) UpsertLongTerm(ctx context.Context, entry scraper.MemoryEntry) (scraper.MemoryEntry, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return scraper.MemoryEntry{}, err
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, key, value, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (namespace, key) DO UPDATE
SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
RETURNING created_at, updated_at, (xmax = 0) AS inserted`, s.memoryTable)

	var inserted bool
	err := s.pool.QueryRow(ctx, query, entry.Namespace, entry.Key, []byte(entry.Value), now).
		Scan(&entry.CreatedAt, &entry.UpdatedAt, &inserted)
	if err != nil {
		return scraper.MemoryEntry{}, classify("upsert long-term entry", err)
	}
	if inserted {
		if err := s.evict(ctx, entry.Namespace, entry.Key); err != nil {
			return scraper.MemoryEntry{}, err
		}
	}
	entry.Tier = scraper.TierLongTerm
	entry.ExpiresAt = nil
	return entry, nil
}

func (s *MemoryStore) evict(ctx context.Context, namespace, keep string) error {
	query := fmt.Sprintf(`
DELETE FROM %[1]s
WHERE namespace = $1 AND key IN (
	SELECT key FROM %[1]s
	WHERE namespace = $1 AND key <> $2
	ORDER BY updated_at ASC
	LIMIT $3
)
AND (SELECT COUNT(*) FROM %[1]s WHERE namespace = $1) > $4`, s.memoryTable)
	if _, err := s.pool.Exec(ctx, query, namespace, keep, evictBatch, s.cap); err != nil {
		return classify("evict long-term entries", err)
	}
	return nil
}

// AppendEpisode inserts an immutable episode or returns *scraper.ConflictError.
func (s *MemoryStore) AppendEpisode(ctx context.Context, entry scraper.MemoryEntry) (scraper.MemoryEntry, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return scraper.MemoryEntry{}, err
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, key, value, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO NOTHING
RETURNING created_at`, s.episodeTable)

	err := s.pool.QueryRow(ctx, query, entry.Namespace, entry.Key, []byte(entry.Value), now).Scan(&entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.MemoryEntry{}, &scraper.ConflictError{
			Tier:      scraper.TierEpisodic,
			Namespace: entry.Namespace,
			Key:       entry.Key,
		}
	}
	if err != nil {
		return scraper.MemoryEntry{}, classify("append episode", err)
	}
	entry.Tier = scraper.TierEpisodic
	entry.UpdatedAt = entry.CreatedAt
	entry.ExpiresAt = nil
	return entry, nil
}

// Get loads one entry from the long-term or episodic tier.
func (s *MemoryStore) Get(ctx context.Context, tier scraper.Tier, namespace, key string) (scraper.MemoryEntry, error) {
	table, updatedCol, err := s.table(tier)
	if err != nil {
		return scraper.MemoryEntry{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return scraper.MemoryEntry{}, err
	}
	query := fmt.Sprintf(`SELECT value, created_at, %s FROM %s WHERE namespace = $1 AND key = $2`, updatedCol, table)
	entry := scraper.MemoryEntry{Tier: tier, Namespace: namespace, Key: key}
	var value []byte
	err = s.pool.QueryRow(ctx, query, namespace, key).Scan(&value, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.MemoryEntry{}, fmt.Errorf("%s %s/%s: %w", tier, namespace, key, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.MemoryEntry{}, classify("get memory entry", err)
	}
	entry.Value = value
	return entry, nil
}

// List returns a namespace's entries, most recently updated first.
func (s *MemoryStore) List(ctx context.Context, tier scraper.Tier, namespace string, limit int) ([]scraper.MemoryEntry, error) {
	table, updatedCol, err := s.table(tier)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`
SELECT key, value, created_at, %[1]s FROM %[2]s
WHERE namespace = $1
ORDER BY %[1]s DESC, key ASC
LIMIT $2`, updatedCol, table)
	rows, err := s.pool.Query(ctx, query, namespace, limit)
	if err != nil {
		return nil, classify("list memory entries", err)
	}
	defer rows.Close()

	var out []scraper.MemoryEntry
	for rows.Next() {
		entry := scraper.MemoryEntry{Tier: tier, Namespace: namespace}
		var value []byte
		if err := rows.Scan(&entry.Key, &value, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		entry.Value = value
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate memory entries", err)
	}
	return out, nil
}

// DeleteLongTerm removes a long-term entry.
func (s *MemoryStore) DeleteLongTerm(ctx context.Context, namespace, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND key = $2`, s.memoryTable)
	tag, err := s.pool.Exec(ctx, query, namespace, key)
	if err != nil {
		return classify("delete long-term entry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("long_term %s/%s: %w", namespace, key, scraper.ErrNotFound)
	}
	return nil
}

func (s *MemoryStore) table(tier scraper.Tier) (string, string, error) {
	switch tier {
	case scraper.TierLongTerm:
		return s.memoryTable, "updated_at", nil
	case scraper.TierEpisodic:
		return s.episodeTable, "created_at", nil
	default:
		return "", "", fmt.Errorf("tier %q is not stored in postgres", tier)
	}
}

func (s *MemoryStore) ensureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady.Load() {
		return nil
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.memoryTable, s.episodeTable)); err != nil {
		return classify("apply memory schema", err)
	}
	s.schemaReady.Store(true)
	return nil
}

func schemaSQL(memoryTable, episodeTable string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	namespace  TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS %[1]s_namespace_updated_idx ON %[1]s (namespace, updated_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	namespace  TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, key)
);`, memoryTable, episodeTable)
}

// classify marks connection-level failures as transient. Errors reported by
// the server itself (constraint, syntax) are returned as-is.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return scraper.Transient(op, fmt.Errorf("%w: %w", scraper.ErrUnavailable, err))
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
