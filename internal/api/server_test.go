package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NaveedAhmed286/amazon-scraper/internal/clock"
	"github.com/NaveedAhmed286/amazon-scraper/internal/dispatcher"
	"github.com/NaveedAhmed286/amazon-scraper/internal/health"
	"github.com/NaveedAhmed286/amazon-scraper/internal/memory"
	queuemem "github.com/NaveedAhmed286/amazon-scraper/internal/queue/memory"
	"github.com/NaveedAhmed286/amazon-scraper/internal/retry"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/search"
	storemem "github.com/NaveedAhmed286/amazon-scraper/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	server  *Server
	queue   *queuemem.Queue
	jobs    *storemem.JobStore
	memory  *memory.Manager
	monitor *health.Monitor
	store   *switchable
	retries *retry.Queue
	search  *fakeSearcher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	clk := clock.NewManual(epoch)
	f := &fixture{
		queue:  queuemem.NewQueue(0),
		jobs:   storemem.NewJobStore(clk),
		store:  &switchable{},
		search: &fakeSearcher{},
	}
	f.memory = memory.NewManager(storemem.NewShortTermStore(clk), storemem.NewTierStore(clk, 0), memory.Config{}, clk, zap.NewNop())
	f.monitor = health.NewMonitor(health.Config{}, clk, nil)
	f.monitor.Register("store", f.store, true)
	f.retries = retry.NewQueue(scraper.NewExponentialRetryPolicy(), nil, nil, clk, nil)
	d := dispatcher.New(f.queue, f.jobs, &seqIDs{}, clk, nil, nil, dispatcher.Config{MaxAttempts: 3}, nil)
	f.server = NewServer(Deps{
		Jobs:      f.jobs,
		Submitter: d,
		Memory:    f.memory,
		Health:    f.monitor,
		Retries:   f.retries,
		Searcher:  f.search,
	}, opts, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.store.setDown(true)
	f.monitor.CheckNow(context.Background())

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzFollowsStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before the first probe")

	f.store.setDown(true)
	f.monitor.CheckNow(context.Background())
	rec = f.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "not_ready", body["status"])
	require.Contains(t, body["components"], "store")

	f.store.setDown(false)
	f.monitor.CheckNow(context.Background())
	rec = f.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.do(t, http.MethodGet, "/healthz", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestSubmitRecordsSingleAndBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/records?namespace=shop", `{"asin":"b08n5wrwnw","title":"Echo"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/records", `[{"asin":"B000000001"},{"title":"no asin"}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 2)

	items := f.queue.Drain()
	require.Len(t, items, 3)
	require.Equal(t, "shop", items[0].Namespace)
	require.Equal(t, "B08N5WRWNW", items[0].Key)
	require.Equal(t, scraper.JobKindIngest, items[0].Kind)
	require.Equal(t, dispatcher.DefaultNamespace, items[1].Namespace)
}

func TestSubmitRecordsRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxRecords: 2})
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/records", `{invalid`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/records", `"text"`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/records", `[]`).Code)
	require.Equal(t, http.StatusRequestEntityTooLarge, f.do(t, http.MethodPost, "/v1/records", `[{},{},{}]`).Code)
	require.Zero(t, f.queue.Len())
}

func TestSubmitRecordsOversizedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxBodyBytes: 64})
	body := `{"asin":"B08N5WRWNW","title":"` + strings.Repeat("x", 128) + `"}`
	require.Equal(t, http.StatusRequestEntityTooLarge, f.do(t, http.MethodPost, "/v1/records", body).Code)
	require.Equal(t, http.StatusRequestEntityTooLarge, f.do(t, http.MethodPost, "/v1/scrape", `{"urls":["`+strings.Repeat("x", 128)+`"]}`).Code)
	require.Equal(t, http.StatusRequestEntityTooLarge, f.do(t, http.MethodPut, "/v1/memory/long_term/shop/k", `{"v":"`+strings.Repeat("x", 128)+`"}`).Code)
	require.Zero(t, f.queue.Len())
}

func TestSubmitRecordsKeyFromAnyIdentifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/records",
		`[{"ASIN":"b08n5wrwnw"},{"productId":"B000000001"},{"url":"https://www.amazon.com/dp/B000000002"},{"title":"none"}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	items := f.queue.Drain()
	require.Len(t, items, 4)
	require.Equal(t, "B08N5WRWNW", items[0].Key)
	require.Equal(t, "B000000001", items[1].Key)
	require.Equal(t, "B000000002", items[2].Key)
	require.Empty(t, items[3].Key)
}

func TestSubmitRecordsQueueUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.queue.Close()
	rec := f.do(t, http.MethodPost, "/v1/records", `{"asin":"B08N5WRWNW"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitScrape(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{DefaultDomain: "de"})
	rec := f.do(t, http.MethodPost, "/v1/scrape", `{"asins":["b08n5wrwnw"],"urls":["https://www.amazon.com/dp/B000000001"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	items := f.queue.Drain()
	require.Len(t, items, 2)
	require.Equal(t, "https://www.amazon.com/dp/B000000001", items[0].URL)
	require.Equal(t, "https://www.amazon.de/dp/B08N5WRWNW", items[1].URL)
	require.Equal(t, "B08N5WRWNW", items[1].Key)
	require.Equal(t, scraper.JobKindScrape, items[1].Kind)
}

func TestSubmitScrapeValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxScrapeItems: 1})
	cases := map[string]int{
		`{}`:                                    http.StatusBadRequest,
		`{"asins":["short"]}`:                   http.StatusBadRequest,
		`{"urls":["ftp://amazon.com/x"]}`:       http.StatusBadRequest,
		`{"asins":["B08N5WRWNW"],"domain":"!"}`: http.StatusBadRequest,
		`{"asins":["B08N5WRWNW","B000000001"]}`: http.StatusRequestEntityTooLarge,
		`not json`:                              http.StatusBadRequest,
	}
	for body, want := range cases {
		require.Equal(t, want, f.do(t, http.MethodPost, "/v1/scrape", body).Code, body)
	}
	require.Zero(t, f.queue.Len())
}

func TestSubmitSearchEnqueuesOneJobPerResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{DefaultDomain: "de"})
	f.search.records = []scraper.RawRecord{
		{"asin": "B08N5WRWNW", "keyword": "echo", "position": 1},
		{"url": "https://www.amazon.de/x/dp/B000000001", "keyword": "echo", "position": 2},
	}
	rec := f.do(t, http.MethodPost, "/v1/search", `{"keyword":"echo","max_results":80,"namespace":"shop"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, decode(t, rec)["jobs"].([]any), 2)

	require.Equal(t, []search.Query{{Keyword: "echo", Domain: "de", MaxResults: search.MaxResults}}, f.search.Queries())
	items := f.queue.Drain()
	require.Len(t, items, 2)
	require.Equal(t, scraper.JobKindIngest, items[0].Kind)
	require.Equal(t, "shop", items[0].Namespace)
	require.Equal(t, "B08N5WRWNW", items[0].Key)
	require.Equal(t, "B000000001", items[1].Key)
	require.Equal(t, 2, items[1].Payload["position"])
}

func TestSubmitSearchValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	cases := map[string]int{
		`{}`:                                  http.StatusBadRequest,
		`{"keyword":"  "}`:                    http.StatusBadRequest,
		`{"keyword":"echo","domain":"!"}`:     http.StatusBadRequest,
		`{"keyword":"echo","max_results":-1}`: http.StatusBadRequest,
		`not json`:                            http.StatusBadRequest,
	}
	for body, want := range cases {
		require.Equal(t, want, f.do(t, http.MethodPost, "/v1/search", body).Code, body)
	}
	require.Empty(t, f.search.Queries())

	f.search.err = fmt.Errorf("fetch: %w", search.ErrNotAllowed)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/search", `{"keyword":"echo"}`).Code)
	f.search.err = scraper.Transient("fetch search page", errors.New("status 503"))
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/v1/search", `{"keyword":"echo"}`).Code)
	require.Zero(t, f.queue.Len())
}

func TestSubmitSearchNotConfigured(t *testing.T) {
	t.Parallel()

	srv := NewServer(Deps{}, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"keyword":"echo"}`)))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.do(t, http.MethodPost, "/v1/records", `{"asin":"B08N5WRWNW"}`)

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)["job"].(map[string]any)
	require.Equal(t, "queued", job["status"])

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/missing", "").Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs?status=queued", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["jobs"], 1)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?limit=0", "").Code)
}

func TestMemoryEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPut, "/v1/memory/long_term/shop/pref", `{"currency":"EUR"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPut, "/v1/memory/long_term/shop/pref", `{"currency":"USD"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/memory/long_term/shop/pref", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"currency":"USD"}`, string(mustRaw(t, decode(t, rec)["value"])))

	rec = f.do(t, http.MethodPut, "/v1/memory/episodic/shop/run-1", `{"n":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPut, "/v1/memory/episodic/shop/run-1", `{"n":2}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/memory/episodic/shop/run-1", "")
	require.JSONEq(t, `{"n":1}`, string(mustRaw(t, decode(t, rec)["value"])), "first value is kept")

	rec = f.do(t, http.MethodPut, "/v1/memory/short_term/shop/tmp?ttl=1m", `"x"`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, decode(t, rec)["expires_at"])

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/memory/short_term/shop/tmp?ttl=soon", `"x"`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/memory/long_term/shop/k", `not json`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/memory/forever/shop/k", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/memory/long_term/shop/missing", "").Code)
}

func TestItemAndContextEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	price := 19.5
	_, err := f.memory.RecordItem(context.Background(), "shop", "job-1", 1, scraper.NormalizedItem{
		ASIN: "B08N5WRWNW", Title: "Echo", Price: price, Currency: "USD", Availability: "In Stock", Domain: "com",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/items/b08n5wrwnw?namespace=shop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "short_term", body["tier"])
	require.Equal(t, "Echo", body["item"].(map[string]any)["title"])

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/items/B08N5WRWNW", "").Code)

	rec = f.do(t, http.MethodGet, "/v1/namespaces/shop/context", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Len(t, body["recent_episodes"], 1)
	require.EqualValues(t, 1, body["products"].(map[string]any)["total_items"])
}

func TestRetriesAndDeadLetters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, err := f.retries.Schedule(context.Background(), scraper.QueueItem{JobID: "job-1", Attempt: 1}, errors.New("timeout"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/retries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["pending"])

	rec = f.do(t, http.MethodGet, "/v1/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode(t, rec)["dead_letters"])
}

func TestAPIKeyProtectsV1Only(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{APIKey: "secret"})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/retries", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/retries", "", "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/retries?api_key=secret", "").Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/healthz", "", "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", scraper.ErrNotFound), http.StatusNotFound},
		{&scraper.ValidationError{Problems: []scraper.FieldError{{Field: "key", Reason: "is required"}}}, http.StatusBadRequest},
		{&scraper.ConflictError{Tier: scraper.TierEpisodic}, http.StatusConflict},
		{memory.ErrAppendOnly, http.StatusMethodNotAllowed},
		{fmt.Errorf("fetch: %w", search.ErrNotAllowed), http.StatusForbidden},
		{scraper.ErrQueueFull, http.StatusServiceUnavailable},
		{scraper.Transient("ping", errors.New("refused")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func mustRaw(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// --- fakes ---

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type switchable struct {
	mu   sync.Mutex
	down bool
}

func (s *switchable) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *switchable) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("connection refused")
	}
	return nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	records []scraper.RawRecord
	err     error
	queries []search.Query
}

func (s *fakeSearcher) Search(_ context.Context, q search.Query) ([]scraper.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return s.records, s.err
}

func (s *fakeSearcher) Queries() []search.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]search.Query(nil), s.queries...)
}
