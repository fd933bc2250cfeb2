// Package normalize validates raw scraped product JSON into NormalizedItems.
//
// Validation is all-or-nothing: every problem found in a record is collected
// into a single *scraper.ValidationError and no item is produced.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// Config tunes defaults applied while normalizing.
type Config struct {
	// DefaultDomain is the marketplace suffix used when a record has none ("com").
	DefaultDomain string
}

// Normalizer converts RawRecords into NormalizedItems.
type Normalizer struct {
	cfg   Config
	clock scraper.Clock
}

// New constructs a Normalizer.
func New(cfg Config, clock scraper.Clock) *Normalizer {
	if cfg.DefaultDomain == "" {
		cfg.DefaultDomain = "com"
	}
	return &Normalizer{cfg: cfg, clock: clock}
}

// RecordKey returns the ASIN raw would normalize to, or "" when it has none.
func RecordKey(raw scraper.RawRecord) string {
	pageURL, _ := lookup(raw, "url", "dpUrl", "dp_url")
	u, _ := pageURL.(string)
	return asin(raw, u, &scraper.ValidationError{})
}

// Normalize validates raw and returns the resulting item.
func (n *Normalizer) Normalize(raw scraper.RawRecord) (scraper.NormalizedItem, error) {
	verr := &scraper.ValidationError{}
	if raw == nil {
		verr.Add("record", "missing")
		return scraper.NormalizedItem{}, verr
	}
	now := n.clock.Now().UTC()
	item := scraper.NormalizedItem{NormalizedAt: now}

	item.Domain = n.domain(raw, verr)
	item.URL = optionalString(raw, verr, "url", "dpUrl", "dp_url")
	if item.URL != "" && !validURL(item.URL) {
		verr.Add("url", "not an absolute http(s) url")
	}
	item.ASIN = asin(raw, item.URL, verr)
	if item.URL == "" && item.ASIN != "" && item.Domain != "" {
		item.URL = fmt.Sprintf("https://www.amazon.%s/dp/%s", item.Domain, item.ASIN)
	}

	item.Title = title(raw, verr)
	item.Price, item.Currency = price(raw, item.Domain, verr)
	item.Availability = availability(raw, verr)

	item.Rating = rating(raw, verr)
	item.ReviewCount = reviewCount(raw, verr)
	item.Position = position(raw, verr)
	item.Sponsored = optionalBool(raw, verr, "sponsored", "isSponsored")
	item.Prime = prime(raw, verr)
	item.Categories = categories(raw, verr)
	item.Brand = collapse(optionalString(raw, verr, "brand", "manufacturer"))
	item.ImageURL = optionalString(raw, verr, "image", "imgUrl", "img_url", "thumbnailImage")
	item.Keyword = collapse(optionalString(raw, verr, "keyword", "searchKeyword"))
	item.ScrapedAt = scrapedAt(raw, now, verr)

	if !verr.Empty() {
		return scraper.NormalizedItem{}, verr
	}
	return item, nil
}

// NormalizeBatch normalizes each record independently. Failures are reported
// by input index and never affect the other records.
func (n *Normalizer) NormalizeBatch(raws []scraper.RawRecord) ([]scraper.NormalizedItem, map[int]error) {
	items := make([]scraper.NormalizedItem, 0, len(raws))
	var failures map[int]error
	for i, raw := range raws {
		item, err := n.Normalize(raw)
		if err != nil {
			if failures == nil {
				failures = make(map[int]error)
			}
			failures[i] = err
			continue
		}
		items = append(items, item)
	}
	return items, failures
}

func (n *Normalizer) domain(raw scraper.RawRecord, verr *scraper.ValidationError) string {
	value := optionalString(raw, verr, "domain", "domainCode", "domain_code")
	if value == "" {
		return n.cfg.DefaultDomain
	}
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.TrimPrefix(value, "www.")
	value = strings.TrimPrefix(value, "amazon.")
	if !domainPattern.MatchString(value) {
		verr.Add("domain", "unrecognized marketplace domain")
		return ""
	}
	return value
}

func title(raw scraper.RawRecord, verr *scraper.ValidationError) string {
	v, ok := lookup(raw, "title", "name", "productTitle")
	if !ok {
		verr.Add("title", "missing")
		return ""
	}
	s, isString := v.(string)
	if !isString {
		verr.Add("title", "must be a string")
		return ""
	}
	s = collapse(s)
	if s == "" {
		verr.Add("title", "blank")
	}
	return s
}

func scrapedAt(raw scraper.RawRecord, now time.Time, verr *scraper.ValidationError) time.Time {
	v, ok := lookup(raw, "scrapedAt", "scraped_at", "timestamp")
	if !ok {
		return now
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t))
		if err != nil {
			verr.Add("scraped_at", "not an RFC3339 timestamp")
			return time.Time{}
		}
		if parsed.After(now.Add(time.Minute)) {
			verr.Add("scraped_at", "in the future")
			return time.Time{}
		}
		return parsed.UTC()
	default:
		verr.Add("scraped_at", "must be a timestamp string")
		return time.Time{}
	}
}
