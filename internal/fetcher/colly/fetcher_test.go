package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/NaveedAhmed286/amazon-scraper/internal/clock"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		_, _ = w.Write([]byte(`<span id="productTitle">Echo</span>`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent", AcceptLanguage: "en-GB", Timeout: time.Second}, clock.NewManual(epoch))
	resp, err := f.Fetch(context.Background(), scraper.FetchRequest{
		URL:     srv.URL + "/dp/B08N5WRWNW",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "productTitle")
	require.Equal(t, epoch, resp.FetchedAt)
	require.False(t, resp.UsedHeadless)

	headers := <-seen
	require.Equal(t, "en-GB", headers.Get("Accept-Language"))
	require.Equal(t, "yes", headers.Get("X-Trace"))
	require.Equal(t, "test-agent", headers.Get("User-Agent"))

	// Same URL again: revisits are allowed.
	_, err = f.Fetch(context.Background(), scraper.FetchRequest{URL: srv.URL + "/dp/B08N5WRWNW"})
	require.NoError(t, err)
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			f := New(Config{Timeout: time.Second}, clock.NewManual(epoch))
			_, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: srv.URL})
			require.Error(t, err)
			require.Equal(t, tt.transient, scraper.IsTransient(err), "err = %v", err)
		})
	}
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, clock.NewManual(epoch))
	_, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: addr})
	require.True(t, scraper.IsTransient(err), "err = %v", err)
}

func TestFetchRobotsBlockIsPermanent(t *testing.T) {
	t.Parallel()

	var productHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		productHits.Add(1)
		_, _ = w.Write([]byte(`<span id="productTitle">Echo</span>`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: time.Second}, clock.NewManual(epoch))
	_, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: srv.URL + "/dp/B08N5WRWNW"})
	require.Error(t, err)
	require.ErrorIs(t, err, colly.ErrRobotsTxtBlocked)
	require.False(t, scraper.IsTransient(err), "err = %v", err)
	require.Zero(t, productHits.Load())
}

func TestClassifyVisitErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"robots", colly.ErrRobotsTxtBlocked, false},
		{"forbidden domain", colly.ErrForbiddenDomain, false},
		{"forbidden url", colly.ErrForbiddenURL, false},
		{"missing url", colly.ErrMissingURL, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify(ctx, 0, tt.err)
			require.Error(t, err)
			require.Equal(t, tt.transient, scraper.IsTransient(err), "err = %v", err)
		})
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, clock.NewManual(epoch))
	req := scraper.FetchRequest{
		URL:     "https://www.amazon.com/dp/B08N5WRWNW",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var at attempt
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &at)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, "en-US,en;q=0.9", collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://www.amazon.com/dp/B08N5WRWNW")},
	})
	require.Equal(t, http.StatusCreated, at.result.StatusCode)
	require.Equal(t, "body", string(at.result.Body))
	require.Equal(t, "ok", at.result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.Equal(t, http.StatusBadGateway, at.status)
	require.EqualError(t, at.err, "boom")
}

func TestFetchRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, clock.NewManual(epoch)).Fetch(context.Background(), scraper.FetchRequest{})
	require.Error(t, err)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// --- fakes ---

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
