package normalize

import (
	"encoding/json"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

var (
	asinPattern    = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	asinURLPattern = regexp.MustCompile(`(?i)/(?:dp|gp/product)/([a-z0-9]{10})(?:[/?#]|$)`)
	nonAlnum       = regexp.MustCompile(`[^A-Za-z0-9]`)
	firstNumber    = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	domainPattern  = regexp.MustCompile(`^[a-z]{2,3}(?:\.[a-z]{2,3})?$`)
	spaces         = regexp.MustCompile(`\s+`)
)

var domainCurrency = map[string]string{
	"com":    "USD",
	"ca":     "CAD",
	"com.mx": "MXN",
	"com.br": "BRL",
	"co.uk":  "GBP",
	"de":     "EUR",
	"fr":     "EUR",
	"it":     "EUR",
	"es":     "EUR",
	"nl":     "EUR",
	"co.jp":  "JPY",
	"in":     "INR",
	"com.au": "AUD",
}

var symbolCurrency = []struct {
	symbol   string
	currency string
}{
	{"CA$", "CAD"},
	{"A$", "AUD"},
	{"R$", "BRL"},
	{"$", "USD"},
	{"£", "GBP"},
	{"€", "EUR"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

// lookup returns the first non-nil value stored under any of keys.
func lookup(raw scraper.RawRecord, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func optionalString(raw scraper.RawRecord, verr *scraper.ValidationError, keys ...string) string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return ""
	}
	s, isString := v.(string)
	if !isString {
		verr.Add(keys[0], "must be a string")
		return ""
	}
	return strings.TrimSpace(s)
}

func optionalBool(raw scraper.RawRecord, verr *scraper.ValidationError, keys ...string) bool {
	v, ok := lookup(raw, keys...)
	if !ok {
		return false
	}
	b, valid := toBool(v)
	if !valid {
		verr.Add(keys[0], "must be a boolean")
	}
	return b
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0", "":
			return false, true
		}
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	case float64:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	case int:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func collapse(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func asin(raw scraper.RawRecord, pageURL string, verr *scraper.ValidationError) string {
	v, ok := lookup(raw, "asin", "ASIN", "productId")
	if ok {
		s, isString := v.(string)
		if !isString {
			verr.Add("asin", "must be a string")
			return ""
		}
		cleaned := strings.ToUpper(nonAlnum.ReplaceAllString(s, ""))
		if asinPattern.MatchString(cleaned) {
			return cleaned
		}
	}
	if pageURL != "" {
		if m := asinURLPattern.FindStringSubmatch(pageURL); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	if ok {
		verr.Add("asin", "must be 10 alphanumeric characters")
	} else {
		verr.Add("asin", "missing")
	}
	return ""
}

func price(raw scraper.RawRecord, domain string, verr *scraper.ValidationError) (float64, string) {
	currency := domainCurrency[domain]
	if c := explicitCurrency(raw); c != "" {
		currency = c
	}
	v, ok := lookup(raw, "price", "currentPrice")
	if !ok {
		verr.Add("price", "missing")
		return 0, currency
	}
	if obj, isObj := v.(map[string]any); isObj {
		if c, ok := obj["currency"].(string); ok && strings.TrimSpace(c) != "" {
			currency = strings.ToUpper(strings.TrimSpace(c))
		}
		inner, found := lookup(scraper.RawRecord(obj), "value", "amount")
		if !found {
			verr.Add("price", "object has no value")
			return 0, currency
		}
		v = inner
	}

	var amount float64
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, sc := range symbolCurrency {
			if strings.Contains(s, sc.symbol) {
				if _, explicit := lookup(raw, "currency"); !explicit {
					currency = sc.currency
				}
				break
			}
		}
		if strings.HasPrefix(s, "-") {
			verr.Add("price", "negative")
			return 0, currency
		}
		m := firstNumber.FindString(s)
		if m == "" {
			verr.Add("price", "no numeric amount")
			return 0, currency
		}
		f, err := strconv.ParseFloat(decimalText(m), 64)
		if err != nil {
			verr.Add("price", "no numeric amount")
			return 0, currency
		}
		amount = f
	default:
		f, isNum := toFloat(v)
		if !isNum {
			verr.Add("price", "must be a number or price text")
			return 0, currency
		}
		amount = f
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		verr.Add("price", "out of range")
		return 0, currency
	}
	if currency == "" {
		currency = "USD"
	}
	return math.Round(amount*100) / 100, currency
}

// decimalText treats a lone comma followed by exactly two digits as a decimal
// separator ("5,50") and any other comma as a thousands separator.
func decimalText(m string) string {
	if !strings.Contains(m, ".") {
		if i := strings.LastIndex(m, ","); i >= 0 && len(m)-i-1 == 2 && strings.Count(m, ",") == 1 {
			return m[:i] + "." + m[i+1:]
		}
	}
	return strings.ReplaceAll(m, ",", "")
}

func explicitCurrency(raw scraper.RawRecord) string {
	if c, ok := raw["currency"].(string); ok {
		return strings.ToUpper(strings.TrimSpace(c))
	}
	return ""
}

// Canonical availability labels.
const (
	AvailabilityInStock     = "In Stock"
	AvailabilityOutOfStock  = "Out of Stock"
	AvailabilityPreorder    = "Pre-order"
	AvailabilityUnavailable = "Temporarily Unavailable"
)

func availability(raw scraper.RawRecord, verr *scraper.ValidationError) string {
	v, ok := lookup(raw, "availability", "stock", "inStockText")
	if !ok {
		verr.Add("availability", "missing")
		return ""
	}
	if b, isBool := v.(bool); isBool {
		if b {
			return AvailabilityInStock
		}
		return AvailabilityOutOfStock
	}
	s, isString := v.(string)
	if !isString {
		verr.Add("availability", "must be a string")
		return ""
	}
	s = collapse(s)
	if s == "" {
		verr.Add("availability", "blank")
		return ""
	}
	return CanonicalAvailability(s)
}

// CanonicalAvailability maps free-form stock text onto the canonical labels,
// returning the collapsed input when nothing matches.
func CanonicalAvailability(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "out of stock"), strings.Contains(lower, "currently unavailable"):
		return AvailabilityOutOfStock
	case strings.Contains(lower, "temporarily"):
		return AvailabilityUnavailable
	case strings.Contains(lower, "pre-order"), strings.Contains(lower, "preorder"):
		return AvailabilityPreorder
	case strings.Contains(lower, "in stock"):
		return AvailabilityInStock
	default:
		return collapse(s)
	}
}

func rating(raw scraper.RawRecord, verr *scraper.ValidationError) *float64 {
	v, ok := lookup(raw, "rating", "stars", "productRating")
	if !ok {
		return nil
	}
	var f float64
	switch t := v.(type) {
	case string:
		m := firstNumber.FindString(t)
		if m == "" {
			verr.Add("rating", "no numeric value")
			return nil
		}
		parsed, err := strconv.ParseFloat(ratingText(m), 64)
		if err != nil {
			verr.Add("rating", "no numeric value")
			return nil
		}
		f = parsed
	default:
		parsed, isNum := toFloat(v)
		if !isNum {
			verr.Add("rating", "must be a number")
			return nil
		}
		f = parsed
	}
	if f < 0 || f > 5 {
		verr.Add("rating", "must be between 0 and 5")
		return nil
	}
	return &f
}

// ratingText reads a comma as the decimal separator ("4,5 von 5 Sternen");
// ratings never carry thousands separators.
func ratingText(m string) string {
	if strings.Contains(m, ".") {
		return strings.ReplaceAll(m, ",", "")
	}
	return strings.Replace(m, ",", ".", 1)
}

func reviewCount(raw scraper.RawRecord, verr *scraper.ValidationError) *int {
	v, ok := lookup(raw, "reviewsCount", "totalReviews", "reviewCount", "countReview")
	if !ok {
		return nil
	}
	n, valid := nonNegativeInt(v)
	if !valid {
		verr.Add("review_count", "must be a non-negative integer")
		return nil
	}
	return &n
}

func position(raw scraper.RawRecord, verr *scraper.ValidationError) *int {
	v, ok := lookup(raw, "position", "searchResultPosition")
	if !ok {
		return nil
	}
	n, valid := nonNegativeInt(v)
	if !valid || n < 1 {
		verr.Add("position", "must be a positive integer")
		return nil
	}
	return &n
}

func nonNegativeInt(v any) (int, bool) {
	if s, isString := v.(string); isString {
		if strings.HasPrefix(strings.TrimSpace(s), "-") {
			return 0, false
		}
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
		if digits == "" {
			return 0, false
		}
		n, err := strconv.Atoi(digits)
		return n, err == nil
	}
	f, isNum := toFloat(v)
	if !isNum || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func prime(raw scraper.RawRecord, verr *scraper.ValidationError) bool {
	if _, ok := lookup(raw, "prime", "isPrime"); ok {
		return optionalBool(raw, verr, "prime", "isPrime")
	}
	if delivery, ok := raw["delivery"].(string); ok {
		return strings.Contains(strings.ToLower(delivery), "prime")
	}
	return false
}

func categories(raw scraper.RawRecord, verr *scraper.ValidationError) []string {
	v, ok := lookup(raw, "categories", "breadCrumbs", "breadcrumbs")
	if !ok {
		return nil
	}
	var parts []string
	switch t := v.(type) {
	case string:
		parts = strings.FieldsFunc(t, func(r rune) bool { return r == '>' || r == '›' })
	case []string:
		parts = t
	case []any:
		for _, entry := range t {
			s, isString := entry.(string)
			if !isString {
				verr.Add("categories", "must be a list of strings")
				return nil
			}
			parts = append(parts, s)
		}
	default:
		verr.Add("categories", "must be a list of strings")
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = collapse(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
