// Package sheets appends normalized items to a Google Sheets worksheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// Header is the first row of the worksheet; every exported row follows its
// column order.
var Header = []any{
	"asin", "keyword", "title", "price", "currency", "availability",
	"rating", "reviews", "position", "sponsored", "prime", "has_price",
	"image_url", "product_url", "domain", "scraped_at",
}

// Config selects the target worksheet.
type Config struct {
	SpreadsheetID string
	// Worksheet is the tab name. Defaults to "Sheet1".
	Worksheet string
}

// Exporter writes one row per item.
type Exporter struct {
	cfg     Config
	values  *sheetsapi.SpreadsheetsValuesService
	headers atomic.Bool
}

// New builds an Exporter. Options carry credentials or, in tests, an
// endpoint override.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Exporter, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("sheets: spreadsheet id is required")
	}
	if cfg.Worksheet == "" {
		cfg.Worksheet = "Sheet1"
	}
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Exporter{cfg: cfg, values: svc.Spreadsheets.Values}, nil
}

// Export appends item as a row, writing the header first when the
// worksheet is empty.
func (e *Exporter) Export(ctx context.Context, item scraper.NormalizedItem) error {
	if err := e.ensureHeader(ctx); err != nil {
		return err
	}
	_, err := e.values.Append(e.cfg.SpreadsheetID, e.rangeOf("A1"), &sheetsapi.ValueRange{
		Values: [][]any{Row(item)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return classify("append sheet row", err)
	}
	return nil
}

func (e *Exporter) ensureHeader(ctx context.Context) error {
	if e.headers.Load() {
		return nil
	}
	current, err := e.values.Get(e.cfg.SpreadsheetID, e.rangeOf("1:1")).Context(ctx).Do()
	if err != nil {
		return classify("read sheet header", err)
	}
	if len(current.Values) == 0 || len(current.Values[0]) == 0 {
		_, err = e.values.Update(e.cfg.SpreadsheetID, e.rangeOf("A1"), &sheetsapi.ValueRange{
			Values: [][]any{Header},
		}).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return classify("write sheet header", err)
		}
	}
	e.headers.Store(true)
	return nil
}

func (e *Exporter) rangeOf(cells string) string {
	return "'" + e.cfg.Worksheet + "'!" + cells
}

// Row renders item in Header order. Missing optional values are blank.
func Row(item scraper.NormalizedItem) []any {
	var rating, reviews, position string
	if item.Rating != nil {
		rating = strconv.FormatFloat(*item.Rating, 'f', -1, 64)
	}
	if item.ReviewCount != nil {
		reviews = strconv.Itoa(*item.ReviewCount)
	}
	if item.Position != nil {
		position = strconv.Itoa(*item.Position)
	}
	return []any{
		item.ASIN,
		item.Keyword,
		item.Title,
		strconv.FormatFloat(item.Price, 'f', 2, 64),
		item.Currency,
		item.Availability,
		rating,
		reviews,
		position,
		strconv.FormatBool(item.Sponsored),
		strconv.FormatBool(item.Prime),
		strconv.FormatBool(item.HasPrice()),
		item.ImageURL,
		item.URL,
		item.Domain,
		item.ScrapedAt.UTC().Format(time.RFC3339),
	}
}

// classify marks quota, server and network failures transient; other API
// errors, such as a missing sheet or denied access, are permanent.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return scraper.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return scraper.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
