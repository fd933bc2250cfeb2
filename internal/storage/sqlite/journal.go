// Package sqlite persists the retry queue and dead letters in a local
// SQLite file so pending retries survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

const schema = `
CREATE TABLE IF NOT EXISTS retry_items (
	job_id      TEXT PRIMARY KEY,
	payload     TEXT    NOT NULL,
	attempt     INTEGER NOT NULL,
	next_run_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS retry_items_next_run_idx ON retry_items (next_run_at);
CREATE TABLE IF NOT EXISTS dead_letters (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT    NOT NULL,
	payload   TEXT    NOT NULL,
	failed_at INTEGER NOT NULL
);`

// Journal implements scraper.RetryJournal.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path. ":memory:" opens a private
// in-memory database, which tests use.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection avoids "database is locked" and keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Ping checks the database handle.
func (j *Journal) Ping(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping journal: %w", err)
	}
	return nil
}

// SaveRetry inserts or replaces the pending retry for item.JobID.
func (j *Journal) SaveRetry(ctx context.Context, item scraper.RetryItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode retry item: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO retry_items (job_id, payload, attempt, next_run_at) VALUES (?, ?, ?, ?)`,
		item.JobID, string(payload), item.Attempt, item.NextRunAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save retry %s: %w", item.JobID, err)
	}
	return nil
}

// DeleteRetry removes a pending retry. Missing rows are ignored.
func (j *Journal) DeleteRetry(ctx context.Context, jobID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM retry_items WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete retry %s: %w", jobID, err)
	}
	return nil
}

// LoadRetries returns every pending retry ordered by due time.
func (j *Journal) LoadRetries(ctx context.Context) ([]scraper.RetryItem, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT payload FROM retry_items ORDER BY next_run_at ASC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query retries: %w", err)
	}
	defer rows.Close()

	var out []scraper.RetryItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		var item scraper.RetryItem
		if err := decode(payload, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retries: %w", err)
	}
	return out, nil
}

// SaveDeadLetter records an exhausted job and clears its pending retry.
func (j *Journal) SaveDeadLetter(ctx context.Context, letter scraper.DeadLetter) error {
	payload, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (job_id, payload, failed_at) VALUES (?, ?, ?)`,
		letter.JobID, string(payload), letter.FailedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", letter.JobID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_items WHERE job_id = ?`, letter.JobID); err != nil {
		return fmt.Errorf("clear retry %s: %w", letter.JobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letter %s: %w", letter.JobID, err)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters first.
func (j *Journal) ListDeadLetters(ctx context.Context, limit int) ([]scraper.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT payload FROM dead_letters ORDER BY failed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []scraper.DeadLetter
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var letter scraper.DeadLetter
		if err := decode(payload, &letter); err != nil {
			return nil, err
		}
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// PruneDeadLetters deletes dead letters that failed before cutoff.
func (j *Journal) PruneDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dead letters: %w", err)
	}
	return n, nil
}

func decode(payload string, v any) error {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode journal row: %w", err)
	}
	return nil
}
