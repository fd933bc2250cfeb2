package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

const searchResultSelector = `div[data-component-type="s-search-result"][data-asin]`

// SearchPage extracts product cards from Amazon /s?k= result pages.
type SearchPage struct{}

// NewSearch returns a search results extractor.
func NewSearch() *SearchPage {
	return &SearchPage{}
}

// SearchURL builds the results URL for keyword on the given marketplace.
func SearchURL(domain, keyword string) string {
	return fmt.Sprintf("https://www.amazon.%s/s?k=%s", domain, url.QueryEscape(strings.TrimSpace(keyword)))
}

// ExtractResults returns one raw record per result card, in page order and
// at most limit of them (zero means all). Cards without an ASIN are skipped
// and do not consume a position.
func (p *SearchPage) ExtractResults(resp scraper.FetchResponse, keyword string, limit int) ([]scraper.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	base, _ := url.Parse(resp.URL)
	domain := marketplace(resp.URL)
	keyword = collapse(keyword)

	var out []scraper.RawRecord
	doc.Find(searchResultSelector).EachWithBreak(func(_ int, card *goquery.Selection) bool {
		asin := strings.TrimSpace(card.AttrOr("data-asin", ""))
		if asin == "" {
			return true
		}
		raw := scraper.RawRecord{
			"asin":     asin,
			"position": len(out) + 1,
		}
		if keyword != "" {
			raw["keyword"] = keyword
		}
		if domain != "" {
			raw["domain"] = domain
		}
		if !resp.FetchedAt.IsZero() {
			raw["scrapedAt"] = resp.FetchedAt.UTC().Format(time.RFC3339)
		}
		setText(raw, "title", card.Find("h2"))
		if href, ok := card.Find("h2 a, a.a-link-normal.s-no-outline").First().Attr("href"); ok {
			if link := absoluteURL(base, href); link != "" {
				raw["url"] = link
			}
		}
		price := firstText(card.Find(".a-price:not(.a-text-price) .a-offscreen"))
		if price != "" {
			raw["price"] = price
			raw["availability"] = "In Stock"
		}
		if strings.Contains(strings.ToLower(card.Text()), "currently unavailable") {
			raw["availability"] = "Currently unavailable."
		}
		setText(raw, "rating", card.Find(".a-icon-alt"))
		if label, ok := card.Find(`[aria-label$="ratings"], [aria-label$="rating"]`).First().Attr("aria-label"); ok {
			raw["reviewsCount"] = strings.TrimSpace(label)
		} else {
			setText(raw, "reviewsCount", card.Find("span.s-underline-text"))
		}
		if image := imageURL(card.Find("img.s-image").First()); image != "" {
			raw["image"] = image
		}
		raw["sponsored"] = card.Find(".puis-sponsored-label-text, .s-sponsored-label-text").Length() > 0
		if card.Find("i.a-icon-prime").Length() > 0 {
			raw["prime"] = true
		}
		out = append(out, raw)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// absoluteURL resolves href against base, dropping Amazon's tracking query.
func absoluteURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.RawQuery = ""
	ref.Fragment = ""
	return ref.String()
}
