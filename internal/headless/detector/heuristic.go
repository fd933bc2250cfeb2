// Package detector decides when to promote product page fetches to the
// headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// botCheckMarkers appear on Amazon's robot check interstitial.
var botCheckMarkers = [][]byte{
	[]byte("/errors/validatecaptcha"),
	[]byte("<title>robot check</title>"),
	[]byte("type the characters you see in this image"),
	[]byte("api-services-support@amazon.com"),
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

var productMarker = []byte(`id="producttitle"`)

// ShouldPromote decides whether a headless fetch is required: the response
// is a robot check, an empty or script-only shell, or a product page that
// lacks the product title.
func (h *Heuristic) ShouldPromote(resp scraper.FetchResponse) bool {
	if resp.UsedHeadless || resp.StatusCode != http.StatusOK {
		return false
	}
	body := bytes.ToLower(resp.Body)
	if len(body) == 0 {
		return true
	}
	for _, marker := range botCheckMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if bytes.Contains(body, productMarker) {
		return false
	}
	if isProductURL(resp.URL) {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isProductURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.Contains(lower, "/dp/") || strings.Contains(lower, "/gp/product/")
}

// scriptDensityHigh expects an already lower-cased body.
func scriptDensityHigh(body []byte) bool {
	lower := string(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
