// Package extract turns Amazon product pages into raw records.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var priceSelectors = []string{
	"#corePrice_feature_div .a-price .a-offscreen",
	"#corePriceDisplay_desktop_feature_div .a-price .a-offscreen",
	"#priceblock_ourprice",
	"#priceblock_dealprice",
	"#price_inside_buybox",
	".a-price .a-offscreen",
}

var (
	asinPathPattern = regexp.MustCompile(`/(?:dp|gp/product)/([A-Za-z0-9]{10})`)
	brandPrefixes   = []string{"Visit the ", "Brand: ", "Marke: ", "Marque : "}
)

// ProductPage extracts the product fields Amazon renders on /dp/ pages.
type ProductPage struct{}

// New returns a product page extractor.
func New() *ProductPage {
	return &ProductPage{}
}

// Extract parses resp.Body. Fields that cannot be located are left out so
// the normalizer reports them.
func (p *ProductPage) Extract(resp scraper.FetchResponse) (scraper.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse product page: %w", err)
	}

	raw := scraper.RawRecord{}
	if resp.URL != "" {
		raw["url"] = resp.URL
		if domain := marketplace(resp.URL); domain != "" {
			raw["domain"] = domain
		}
	}
	if !resp.FetchedAt.IsZero() {
		raw["scrapedAt"] = resp.FetchedAt.UTC().Format(time.RFC3339)
	}

	if asin := pageASIN(doc, resp.URL); asin != "" {
		raw["asin"] = asin
	}
	setText(raw, "title", doc.Find("#productTitle"))
	for _, sel := range priceSelectors {
		if text := firstText(doc.Find(sel)); text != "" {
			raw["price"] = text
			break
		}
	}
	setText(raw, "availability", doc.Find("#availability"))

	if title, ok := doc.Find("#acrPopover").First().Attr("title"); ok && strings.TrimSpace(title) != "" {
		raw["rating"] = strings.TrimSpace(title)
	} else {
		setText(raw, "rating", doc.Find("#acrPopover .a-icon-alt"))
	}
	setText(raw, "reviewsCount", doc.Find("#acrCustomerReviewText"))

	if brand := firstText(doc.Find("#bylineInfo")); brand != "" {
		raw["brand"] = trimBrand(brand)
	}
	if image := imageURL(doc.Find("#landingImage").First()); image != "" {
		raw["image"] = image
	}

	var crumbs []string
	doc.Find("#wayfinding-breadcrumbs_feature_div a").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			crumbs = append(crumbs, text)
		}
	})
	if len(crumbs) > 0 {
		raw["categories"] = crumbs
	}

	if doc.Find("#primeBadge, i.a-icon-prime").Length() > 0 {
		raw["prime"] = true
	}
	return raw, nil
}

func pageASIN(doc *goquery.Document, pageURL string) string {
	if v, ok := doc.Find("input#ASIN").First().Attr("value"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if m := asinPathPattern.FindStringSubmatch(pageURL); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// marketplace returns the suffix after "amazon." in the host, e.g. "co.uk".
func marketplace(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	domain, found := strings.CutPrefix(host, "amazon.")
	if !found {
		return ""
	}
	return domain
}

func imageURL(s *goquery.Selection) string {
	for _, attr := range []string{"data-old-hires", "src"} {
		if v, ok := s.Attr(attr); ok {
			v = strings.TrimSpace(v)
			if strings.HasPrefix(v, "http") {
				return v
			}
		}
	}
	return ""
}

func trimBrand(s string) string {
	for _, prefix := range brandPrefixes {
		s = strings.TrimPrefix(s, prefix)
	}
	return strings.TrimSpace(strings.TrimSuffix(s, " Store"))
}

func setText(raw scraper.RawRecord, key string, s *goquery.Selection) {
	if text := firstText(s); text != "" {
		raw[key] = text
	}
}

func firstText(s *goquery.Selection) string {
	return collapse(s.First().Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
