package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NaveedAhmed286/amazon-scraper/internal/clock"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

func TestShortTermExpiresByTTL(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	store := NewShortTermStore(clk)
	ctx := context.Background()

	_, err := store.Set(ctx, entry("ns", "item:1", `{"v":1}`), time.Minute)
	require.NoError(t, err)

	got, err := store.Get(ctx, "ns", "item:1")
	require.NoError(t, err)
	require.Equal(t, scraper.TierShortTerm, got.Tier)
	require.JSONEq(t, `{"v":1}`, string(got.Value))
	require.NotNil(t, got.ExpiresAt)
	require.Equal(t, epoch.Add(time.Minute), *got.ExpiresAt)

	clk.Advance(59 * time.Second)
	_, err = store.Get(ctx, "ns", "item:1")
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = store.Get(ctx, "ns", "item:1")
	require.ErrorIs(t, err, scraper.ErrNotFound)

	listed, err := store.List(ctx, "ns", 0)
	require.NoError(t, err)
	require.Empty(t, listed)

	require.Equal(t, 1, store.Len())
	require.Equal(t, 1, store.Sweep())
	require.Equal(t, 0, store.Len())
}

func TestShortTermOverwriteRefreshesTTL(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	store := NewShortTermStore(clk)
	ctx := context.Background()

	_, err := store.Set(ctx, entry("ns", "k", `1`), time.Minute)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, err = store.Set(ctx, entry("ns", "k", `2`), time.Minute)
	require.NoError(t, err)
	clk.Advance(45 * time.Second)

	got, err := store.Get(ctx, "ns", "k")
	require.NoError(t, err)
	require.Equal(t, "2", string(got.Value))
	require.Equal(t, epoch, got.CreatedAt)

	require.NoError(t, store.Delete(ctx, "ns", "k"))
	_, err = store.Get(ctx, "ns", "k")
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestShortTermRejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()

	store := NewShortTermStore(clock.NewManual(epoch))
	_, err := store.Set(context.Background(), entry("ns", "k", `1`), 0)
	require.Error(t, err)
}

func TestShortTermConcurrentWriters(t *testing.T) {
	t.Parallel()

	store := NewShortTermStore(clock.NewSystem())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, _ := json.Marshal(i)
			_, err := store.Set(ctx, entry("ns", "shared", string(value)), time.Hour)
			require.NoError(t, err)
			_, err = store.Get(ctx, "ns", "shared")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, store.Len())
}

func TestShortTermJanitorStops(t *testing.T) {
	t.Parallel()

	store := NewShortTermStore(clock.NewSystem())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func entry(namespace, key, value string) scraper.MemoryEntry {
	return scraper.MemoryEntry{Namespace: namespace, Key: key, Value: json.RawMessage(value)}
}
