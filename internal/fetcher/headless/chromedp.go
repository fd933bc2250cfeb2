// Package headless renders Amazon pages in headless Chrome when the plain
// HTTP fetch comes back without product markup.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
)

// ErrRobotCheck is returned when Amazon serves its captcha interstitial
// instead of the requested page.
var ErrRobotCheck = errors.New("amazon robot check")

// DefaultReadySelectors mark a rendered product detail or search results page.
var DefaultReadySelectors = []string{
	"#productTitle",
	"#dp-container",
	`div[data-component-type="s-search-result"]`,
}

// robotCheckSelector matches the captcha form of the interstitial.
const robotCheckSelector = `form[action*="validateCaptcha"]`

// blockedResources are not needed to read product data.
var blockedResources = []string{
	"*.jpg", "*.jpeg", "*.png", "*.gif", "*.webp", "*.svg",
	"*.woff", "*.woff2", "*.ttf", "*.mp4",
}

// Config controls the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs. Zero means unbounded.
	MaxParallel    int
	UserAgent      string
	AcceptLanguage string
	// NavigationTimeout bounds one render, including the wait for markup.
	NavigationTimeout time.Duration
	// ReadySelectors are polled after navigation; the first match ends the
	// wait. Defaults to DefaultReadySelectors.
	ReadySelectors []string
	// LoadImages disables the resource blocklist.
	LoadImages bool
}

// Fetcher implements scraper.Fetcher with chromedp.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	browser     context.Context
	closeBrowse context.CancelFunc
	clock       scraper.Clock
}

// NewChromedp creates a headless fetcher. Chrome is launched on the first
// Fetch.
func NewChromedp(cfg Config, clock scraper.Clock) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if len(cfg.ReadySelectors) == 0 {
		cfg.ReadySelectors = DefaultReadySelectors
	}
	f := &Fetcher{cfg: cfg, clock: clock}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled="+strconv.FormatBool(cfg.LoadImages)),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	f.browser, f.closeBrowse = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.closeBrowse()
}

// Fetch renders request.URL and returns the DOM once product or search
// markup is present. A robot check, a timeout, 429 and 5xx are transient.
func (f *Fetcher) Fetch(ctx context.Context, request scraper.FetchRequest) (scraper.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return scraper.FetchResponse{}, err
	}
	defer f.release()

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	page, err := f.render(tab, request)
	if err != nil {
		telemetry.ObserveFetch(request.URL, "error", true, 0)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return scraper.FetchResponse{}, scraper.Transient("render page", err)
		}
		return scraper.FetchResponse{}, err
	}

	status, headers, pageURL := doc.result(request.URL, page.location)
	if page.robotCheck {
		telemetry.ObserveFetch(request.URL, "robot_check", true, len(page.html))
		return scraper.FetchResponse{}, scraper.Transient("render page", ErrRobotCheck)
	}
	telemetry.ObserveFetch(request.URL, strconv.Itoa(status), true, len(page.html))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return scraper.FetchResponse{}, scraper.Transient("render page", fmt.Errorf("status %d", status))
	}

	return scraper.FetchResponse{
		URL:          pageURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
		FetchedAt:    f.clock.Now(),
	}, nil
}

type renderedPage struct {
	html       string
	location   string
	robotCheck bool
}

func (f *Fetcher) render(ctx context.Context, request scraper.FetchRequest) (renderedPage, error) {
	var (
		page   renderedPage
		landed string
	)
	err := chromedp.Run(ctx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.Poll(landingExpression(f.cfg.ReadySelectors), &landed,
			chromedp.WithPollingInterval(250*time.Millisecond),
			chromedp.WithPollingTimeout(0),
		),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	page.robotCheck = landed == "robot"
	return page, nil
}

// landingExpression evaluates to "robot" on the captcha interstitial, to
// "ready" once any selector matches, and to false while still loading.
func landingExpression(selectors []string) string {
	quoted := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		quoted = append(quoted, strconv.Quote(sel))
	}
	return fmt.Sprintf(
		`document.querySelector(%s) ? "robot" : ([%s].some((s) => document.querySelector(s)) ? "ready" : false)`,
		strconv.Quote(robotCheckSelector), strings.Join(quoted, ", "),
	)
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if !f.cfg.LoadImages {
			if err := network.SetBlockedURLs(blockedResources).Do(ctx); err != nil {
				return fmt.Errorf("block resources: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(f.cfg.UserAgent)
			if f.cfg.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(f.cfg.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if extra := toNetworkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for headless slot: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

// documentResponse keeps the last top-level document response of a tab.
// Redirects replace it; images and scripts never do.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := make(http.Header, len(resp.Response.Headers))
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			// Chrome joins repeated headers with newlines.
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.url = resp.Response.URL
	d.mu.Unlock()
}

// result falls back to the browser location, then the requested URL, and
// to 200 when no document response was observed.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, pageURL := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if pageURL == "" {
		pageURL = location
	}
	if pageURL == "" {
		pageURL = requestURL
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, pageURL
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = strings.Join(values, ", ")
		}
	}
	return headers
}
