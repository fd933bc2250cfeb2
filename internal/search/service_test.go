package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

func resultsPage(n int) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := range n {
		fmt.Fprintf(&b, `<div data-component-type="s-search-result" data-asin="B0000000%02d">`+
			`<h2><a href="/p/dp/B0000000%02d"><span>Product %d</span></a></h2>`+
			`<span class="a-price"><span class="a-offscreen">$%d.99</span></span></div>`, i, i, i, i+1)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func TestSearchFetchesResultsPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{resp: scraper.FetchResponse{StatusCode: http.StatusOK, Body: resultsPage(3)}}
	limiter := &fakeLimiter{}
	svc := New(Deps{Fetcher: fetcher, Limiter: limiter}, zap.NewNop())

	records, err := svc.Search(context.Background(), Query{Keyword: "usb cable", Domain: "amazon.co.uk"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []string{"https://www.amazon.co.uk/s?k=usb+cable"}, fetcher.URLs())
	require.Equal(t, []int{http.StatusOK}, limiter.Results())
	require.Equal(t, "usb cable", records[2]["keyword"])
	require.Equal(t, 3, records[2]["position"])
	require.Equal(t, "co.uk", records[2]["domain"])
}

func TestSearchClampsMaxResults(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{resp: scraper.FetchResponse{StatusCode: http.StatusOK, Body: resultsPage(60)}}
	svc := New(Deps{Fetcher: fetcher}, zap.NewNop())

	records, err := svc.Search(context.Background(), Query{Keyword: "cable", MaxResults: 500})
	require.NoError(t, err)
	require.Len(t, records, MaxResults)

	records, err = svc.Search(context.Background(), Query{Keyword: "cable"})
	require.NoError(t, err)
	require.Len(t, records, DefaultResults)
	require.Equal(t, "https://www.amazon.com/s?k=cable", fetcher.URLs()[1])
}

func TestSearchRequiresKeyword(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	svc := New(Deps{Fetcher: fetcher}, zap.NewNop())

	_, err := svc.Search(context.Background(), Query{Keyword: "   "})
	require.True(t, scraper.IsValidation(err))
	require.Empty(t, fetcher.URLs())
}

func TestSearchBlockedByPolicy(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	svc := New(Deps{Fetcher: fetcher, Policy: denyAll{}}, zap.NewNop())

	_, err := svc.Search(context.Background(), Query{Keyword: "cable"})
	require.ErrorIs(t, err, ErrNotAllowed)
	require.Empty(t, fetcher.URLs())
}

func TestSearchTransientFetchSlowsDomain(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: scraper.Transient("fetch product page", errors.New("status 503"))}
	limiter := &fakeLimiter{}
	svc := New(Deps{Fetcher: fetcher, Limiter: limiter}, zap.NewNop())

	_, err := svc.Search(context.Background(), Query{Keyword: "cable"})
	require.True(t, scraper.IsTransient(err))
	require.Equal(t, []int{http.StatusTooManyRequests}, limiter.Results())
}

// --- fakes ---

type fakeFetcher struct {
	mu   sync.Mutex
	resp scraper.FetchResponse
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req scraper.FetchRequest) (scraper.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, req.URL)
	resp := f.resp
	resp.URL = req.URL
	return resp, f.err
}

func (f *fakeFetcher) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type fakeLimiter struct {
	mu      sync.Mutex
	results []int
}

func (l *fakeLimiter) Wait(context.Context, string) error { return nil }

func (l *fakeLimiter) ReportResult(_ string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, status)
}

func (l *fakeLimiter) Results() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.results...)
}

type denyAll struct{}

func (denyAll) AllowFetch(string) bool    { return false }
func (denyAll) AllowHeadless(string) bool { return false }
