package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeCompleteRecord(t *testing.T) {
	t.Parallel()

	n := New(Config{}, fakeClock{now: fixedNow})
	item, err := n.Normalize(scraper.RawRecord{
		"asin":         "b0-8n5wrwnw",
		"title":        "  Echo Dot\n (5th Gen)  ",
		"price":        "$1,299.99",
		"availability": "Only 3 left in stock - order soon.",
		"rating":       "4.4 out of 5 stars",
		"reviewsCount": "12,345 ratings",
		"position":     json.Number("3"),
		"sponsored":    "true",
		"delivery":     "FREE delivery with Prime",
		"brand":        "Amazon",
		"categories":   []any{"Electronics", " Smart Home "},
		"scrapedAt":    "2025-03-01T11:00:00Z",
	})
	require.NoError(t, err)

	require.Equal(t, "B08N5WRWNW", item.ASIN)
	require.Equal(t, "Echo Dot (5th Gen)", item.Title)
	require.InDelta(t, 1299.99, item.Price, 0.0001)
	require.Equal(t, "USD", item.Currency)
	require.Equal(t, AvailabilityInStock, item.Availability)
	require.NotNil(t, item.Rating)
	require.InDelta(t, 4.4, *item.Rating, 0.0001)
	require.NotNil(t, item.ReviewCount)
	require.Equal(t, 12345, *item.ReviewCount)
	require.NotNil(t, item.Position)
	require.Equal(t, 3, *item.Position)
	require.True(t, item.Sponsored)
	require.True(t, item.Prime)
	require.Equal(t, []string{"Electronics", "Smart Home"}, item.Categories)
	require.Equal(t, "com", item.Domain)
	require.Equal(t, "https://www.amazon.com/dp/B08N5WRWNW", item.URL)
	require.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), item.ScrapedAt)
	require.Equal(t, fixedNow, item.NormalizedAt)
	require.True(t, item.HasPrice())
}

func TestNormalizeLocalizedRecord(t *testing.T) {
	t.Parallel()

	n := New(Config{}, fakeClock{now: fixedNow})
	item, err := n.Normalize(scraper.RawRecord{
		"asin":         "B08N5WRWNW",
		"title":        "Echo Dot",
		"price":        "29,99 €",
		"availability": "Auf Lager.",
		"domain":       "de",
		"rating":       "4,5 von 5 Sternen",
	})
	require.NoError(t, err)
	require.InDelta(t, 29.99, item.Price, 0.0001)
	require.Equal(t, "EUR", item.Currency)
	require.NotNil(t, item.Rating)
	require.InDelta(t, 4.5, *item.Rating, 0.0001)

	item, err = n.Normalize(scraper.RawRecord{
		"asin":         "B08N5WRWNW",
		"title":        "Echo Dot",
		"price":        "29,99 €",
		"availability": "En stock",
		"domain":       "fr",
		"rating":       "4,0 sur 5 étoiles",
	})
	require.NoError(t, err)
	require.InDelta(t, 4.0, *item.Rating, 0.0001)
}

func TestNormalizeDerivesASINFromURL(t *testing.T) {
	t.Parallel()

	n := New(Config{DefaultDomain: "co.uk"}, fakeClock{now: fixedNow})
	item, err := n.Normalize(scraper.RawRecord{
		"url":          "https://www.amazon.co.uk/Some-Product/dp/b07xj8c8f5?ref=sr_1",
		"name":         "Kindle",
		"price":        map[string]any{"value": json.Number("79.5")},
		"availability": "Temporarily out of stock.",
	})
	require.NoError(t, err)
	require.Equal(t, "B07XJ8C8F5", item.ASIN)
	require.Equal(t, "GBP", item.Currency)
	require.Equal(t, "co.uk", item.Domain)
	require.Equal(t, AvailabilityOutOfStock, item.Availability)
	require.Equal(t, fixedNow, item.ScrapedAt)
	require.Nil(t, item.Rating)
}

func TestNormalizeRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()

	n := New(Config{}, fakeClock{now: fixedNow})
	base := scraper.RawRecord{
		"asin":         "B08N5WRWNW",
		"title":        "Echo Dot",
		"price":        19.99,
		"availability": "In Stock",
	}
	for _, field := range []string{"asin", "title", "price", "availability"} {
		field := field
		t.Run(field, func(t *testing.T) {
			t.Parallel()
			raw := scraper.RawRecord{}
			for k, v := range base {
				if k != field {
					raw[k] = v
				}
			}
			item, err := n.Normalize(raw)
			require.Error(t, err)
			require.Equal(t, scraper.NormalizedItem{}, item)

			var verr *scraper.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, []string{field}, verr.Fields())
		})
	}
}

func TestNormalizeCollectsEveryProblem(t *testing.T) {
	t.Parallel()

	n := New(Config{}, fakeClock{now: fixedNow})
	_, err := n.Normalize(scraper.RawRecord{
		"asin":         "short",
		"title":        42,
		"price":        "-3.00",
		"availability": "   ",
		"rating":       "7 stars",
		"reviewsCount": -2.0,
		"position":     "zero",
		"sponsored":    "maybe",
		"categories":   []any{"ok", 3},
		"scrapedAt":    "yesterday",
		"url":          "ftp://amazon.com/x",
	})
	var verr *scraper.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{
		"asin", "availability", "categories", "position", "price",
		"rating", "review_count", "scraped_at", "sponsored", "title", "url",
	}, verr.Fields())
}

func TestNormalizeRejectsFutureTimestamp(t *testing.T) {
	t.Parallel()

	n := New(Config{}, fakeClock{now: fixedNow})
	_, err := n.Normalize(scraper.RawRecord{
		"asin":         "B08N5WRWNW",
		"title":        "Echo Dot",
		"price":        json.Number("19"),
		"availability": "In Stock",
		"scrapedAt":    fixedNow.Add(time.Hour).Format(time.RFC3339),
	})
	var verr *scraper.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"scraped_at"}, verr.Fields())
}

func TestNormalizeNilRecord(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, fakeClock{now: fixedNow}).Normalize(nil)
	require.True(t, scraper.IsValidation(err))
}

func TestNormalizeBatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	n := New(Config{}, fakeClock{now: fixedNow})
	items, failures := n.NormalizeBatch([]scraper.RawRecord{
		{"asin": "B08N5WRWNW", "title": "A", "price": 1.0, "availability": "In Stock"},
		{"title": "missing asin", "price": 1.0, "availability": "In Stock"},
		{"asin": "B07XJ8C8F5", "title": "B", "price": "€5,50", "availability": "Pre-order now"},
	})
	require.Len(t, items, 2)
	require.Len(t, failures, 1)
	require.Contains(t, failures, 1)
	require.Equal(t, "EUR", items[1].Currency)
	require.InDelta(t, 5.5, items[1].Price, 0.0001)
	require.Equal(t, AvailabilityPreorder, items[1].Availability)
}

func TestCanonicalAvailability(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"In Stock.":                         AvailabilityInStock,
		"Currently unavailable.":            AvailabilityOutOfStock,
		"Temporarily unavailable":           AvailabilityUnavailable,
		"Available for Pre-order":           AvailabilityPreorder,
		"Usually ships within  2 to 3 days": "Usually ships within 2 to 3 days",
	}
	for input, want := range cases {
		require.Equal(t, want, CanonicalAvailability(input), input)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	recs, err := Decode(strings.NewReader(`{"asin":"B08N5WRWNW","position":3}`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, json.Number("3"), recs[0]["position"])

	recs, err = Decode(strings.NewReader(` [{"a":1},{"b":2}] `))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	_, err = Decode(strings.NewReader(`"nope"`))
	require.ErrorIs(t, err, ErrNotRecord)
	_, err = Decode(strings.NewReader(``))
	require.ErrorIs(t, err, ErrNotRecord)
	_, err = Decode(strings.NewReader(`{"broken"`))
	require.Error(t, err)
}

// --- fakes ---

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time {
	return f.now
}
