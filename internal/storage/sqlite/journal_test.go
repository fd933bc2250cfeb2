package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var base = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func retryItem(jobID string, attempt int, due time.Time) scraper.RetryItem {
	return scraper.RetryItem{
		QueueItem: scraper.QueueItem{
			JobID:     jobID,
			Kind:      scraper.JobKindIngest,
			Namespace: "default",
			Payload:   scraper.RawRecord{"asin": "B08N5WRWNW", "position": json.Number("2")},
			Attempt:   attempt,
		},
		NextRunAt: due,
		LastError: "fetch: connection reset",
		CreatedAt: base,
	}
}

func TestJournalRetriesRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.Ping(ctx))

	require.NoError(t, j.SaveRetry(ctx, retryItem("b", 1, base.Add(2*time.Minute))))
	require.NoError(t, j.SaveRetry(ctx, retryItem("a", 1, base.Add(time.Minute))))
	// replacing keeps one row per job
	require.NoError(t, j.SaveRetry(ctx, retryItem("b", 2, base.Add(3*time.Minute))))

	items, err := j.LoadRetries(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].JobID)
	require.Equal(t, "b", items[1].JobID)
	require.Equal(t, 2, items[1].Attempt)
	require.True(t, items[1].NextRunAt.Equal(base.Add(3*time.Minute)))
	require.Equal(t, json.Number("2"), items[0].Payload["position"])

	require.NoError(t, j.DeleteRetry(ctx, "a"))
	require.NoError(t, j.DeleteRetry(ctx, "missing"))
	items, err = j.LoadRetries(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestJournalDeadLettersClearRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.SaveRetry(ctx, retryItem("job-1", 2, base)))

	for i, id := range []string{"job-1", "job-2"} {
		require.NoError(t, j.SaveDeadLetter(ctx, scraper.DeadLetter{
			RetryItem: retryItem(id, 3, base),
			FailedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	items, err := j.LoadRetries(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	letters, err := j.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	require.Equal(t, "job-2", letters[0].JobID)
	require.Equal(t, 3, letters[0].Attempt)

	n, err := j.PruneDeadLetters(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	letters, err = j.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
}

func TestJournalPersistsAcrossOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "retry.db")
	j, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, j.SaveRetry(ctx, retryItem("persisted", 1, base)))
	require.NoError(t, j.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	items, err := reopened.LoadRetries(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "persisted", items[0].JobID)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
