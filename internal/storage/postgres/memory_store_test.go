package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/NaveedAhmed286/amazon-scraper/internal/clock"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var now = time.Date(2025, 2, 1, 9, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*MemoryStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, Config{}, clock.NewManual(now))
	require.NoError(t, err)
	return store, mock
}

func expectSchema(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS memories").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Config{MemoryTable: "memories; DROP"}, clock.NewSystem())
	require.Error(t, err)
	_, err = NewWithPool(nil, Config{}, clock.NewSystem())
	require.Error(t, err)
}

func TestPingIsTransientUntilDatabaseAnswers(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))
	mock.ExpectPing()
	expectSchema(mock)
	mock.ExpectPing()

	err := store.Ping(context.Background())
	require.Error(t, err)
	require.True(t, scraper.IsTransient(err))
	require.ErrorIs(t, err, scraper.ErrUnavailable)

	require.NoError(t, store.Ping(context.Background()))
	// schema is applied once
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLongTermEvictsOnInsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := now.Add(-time.Hour)
	expectSchema(mock)
	mock.ExpectQuery("INSERT INTO memories").
		WithArgs("default", "product:B08N5WRWNW", []byte(`{"price":10}`), now).
		WillReturnRows(mock.NewRows([]string{"created_at", "updated_at", "inserted"}).AddRow(now, now, true))
	mock.ExpectExec("DELETE FROM memories").
		WithArgs("default", "product:B08N5WRWNW", 10, 1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("INSERT INTO memories").
		WithArgs("default", "product:B08N5WRWNW", []byte(`{"price":12}`), now).
		WillReturnRows(mock.NewRows([]string{"created_at", "updated_at", "inserted"}).AddRow(created, now, false))

	got, err := store.UpsertLongTerm(context.Background(), scraper.MemoryEntry{
		Namespace: "default",
		Key:       "product:B08N5WRWNW",
		Value:     json.RawMessage(`{"price":10}`),
	})
	require.NoError(t, err)
	require.Equal(t, scraper.TierLongTerm, got.Tier)

	got, err = store.UpsertLongTerm(context.Background(), scraper.MemoryEntry{
		Namespace: "default",
		Key:       "product:B08N5WRWNW",
		Value:     json.RawMessage(`{"price":12}`),
	})
	require.NoError(t, err)
	require.Equal(t, created, got.CreatedAt)
	require.Equal(t, now, got.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEpisodeConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	expectSchema(mock)
	mock.ExpectQuery("INSERT INTO episodes").
		WithArgs("default", "job:1", []byte(`{"ok":true}`), now).
		WillReturnRows(mock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery("INSERT INTO episodes").
		WithArgs("default", "job:1", []byte(`{"ok":false}`), now).
		WillReturnRows(mock.NewRows([]string{"created_at"}))

	first, err := store.AppendEpisode(context.Background(), scraper.MemoryEntry{
		Namespace: "default", Key: "job:1", Value: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)
	require.Equal(t, now, first.CreatedAt)

	_, err = store.AppendEpisode(context.Background(), scraper.MemoryEntry{
		Namespace: "default", Key: "job:1", Value: json.RawMessage(`{"ok":false}`),
	})
	require.True(t, scraper.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndList(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	expectSchema(mock)
	mock.ExpectQuery("SELECT value, created_at, updated_at FROM memories").
		WithArgs("default", "product:missing").
		WillReturnRows(mock.NewRows([]string{"value", "created_at", "updated_at"}))
	mock.ExpectQuery("SELECT value, created_at, created_at FROM episodes").
		WithArgs("default", "job:1").
		WillReturnRows(mock.NewRows([]string{"value", "created_at", "created_at"}).AddRow([]byte(`{"a":1}`), now, now))
	mock.ExpectQuery("SELECT key, value, created_at, updated_at FROM memories").
		WithArgs("default", 1000).
		WillReturnRows(mock.NewRows([]string{"key", "value", "created_at", "updated_at"}).
			AddRow("product:2", []byte(`{}`), now, now).
			AddRow("product:1", []byte(`{}`), now, now.Add(-time.Minute)))

	_, err := store.Get(context.Background(), scraper.TierLongTerm, "default", "product:missing")
	require.ErrorIs(t, err, scraper.ErrNotFound)

	ep, err := store.Get(context.Background(), scraper.TierEpisodic, "default", "job:1")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(ep.Value))

	listed, err := store.List(context.Background(), scraper.TierLongTerm, "default", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "product:2", listed[0].Key)

	_, err = store.Get(context.Background(), scraper.TierShortTerm, "default", "x")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServerErrorsAreNotTransient(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	expectSchema(mock)
	mock.ExpectQuery("INSERT INTO memories").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type json"})
	mock.ExpectExec("DELETE FROM memories WHERE namespace").
		WithArgs("default", "product:1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	_, err := store.UpsertLongTerm(context.Background(), scraper.MemoryEntry{
		Namespace: "default", Key: "product:1", Value: json.RawMessage(`nope`),
	})
	require.Error(t, err)
	require.False(t, scraper.IsTransient(err))

	err = store.DeleteLongTerm(context.Background(), "default", "product:1")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
