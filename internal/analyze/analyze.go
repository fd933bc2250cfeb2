// Package analyze computes rule-based summaries over normalized items.
package analyze

import (
	"fmt"

	"github.com/NaveedAhmed286/amazon-scraper/internal/normalize"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// PriceRange describes the priced subset of a batch.
type PriceRange struct {
	Count   int      `json:"count"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Average *float64 `json:"average,omitempty"`
}

// Summary aggregates a batch of items.
type Summary struct {
	TotalItems     int        `json:"total_items"`
	UniqueASINs    int        `json:"unique_asins"`
	RatedItems     int        `json:"rated_items"`
	AverageRating  *float64   `json:"average_rating,omitempty"`
	Prices         PriceRange `json:"price_range"`
	SponsoredCount int        `json:"sponsored_count"`
	PrimeCount     int        `json:"prime_count"`
	InStockRatio   float64    `json:"in_stock_ratio"`
	Insights       []string   `json:"insights"`
}

// Thresholds used by the insight rules.
const (
	highRating       = 4.0
	lowAveragePrice  = 30.0
	highAveragePrice = 100.0
)

// Summarize builds a Summary. Items without a rating do not count towards
// the average.
func Summarize(items []scraper.NormalizedItem) Summary {
	s := Summary{TotalItems: len(items), Insights: []string{}}
	if len(items) == 0 {
		return s
	}

	asins := make(map[string]struct{}, len(items))
	var ratingSum, priceSum float64
	inStock := 0
	for _, item := range items {
		asins[item.ASIN] = struct{}{}
		if item.Rating != nil {
			s.RatedItems++
			ratingSum += *item.Rating
		}
		if item.HasPrice() {
			price := item.Price
			s.Prices.Count++
			priceSum += price
			if s.Prices.Min == nil || price < *s.Prices.Min {
				s.Prices.Min = &price
			}
			if s.Prices.Max == nil || price > *s.Prices.Max {
				p := price
				s.Prices.Max = &p
			}
		}
		if item.Sponsored {
			s.SponsoredCount++
		}
		if item.Prime {
			s.PrimeCount++
		}
		if item.Availability == normalize.AvailabilityInStock {
			inStock++
		}
	}
	s.UniqueASINs = len(asins)
	s.InStockRatio = float64(inStock) / float64(len(items))
	if s.RatedItems > 0 {
		avg := ratingSum / float64(s.RatedItems)
		s.AverageRating = &avg
	}
	if s.Prices.Count > 0 {
		avg := priceSum / float64(s.Prices.Count)
		s.Prices.Average = &avg
	}
	s.Insights = insights(s)
	return s
}

func insights(s Summary) []string {
	out := []string{}
	if s.AverageRating != nil && *s.AverageRating > highRating {
		out = append(out, fmt.Sprintf("High average rating (%.2f)", *s.AverageRating))
	}
	if s.SponsoredCount*2 > s.TotalItems {
		out = append(out, fmt.Sprintf("High sponsored content (%d/%d)", s.SponsoredCount, s.TotalItems))
	}
	if s.UniqueASINs < s.TotalItems {
		out = append(out, fmt.Sprintf("Duplicate ASINs found: %d", s.TotalItems-s.UniqueASINs))
	}
	if s.Prices.Average != nil {
		switch avg := *s.Prices.Average; {
		case avg < lowAveragePrice:
			out = append(out, fmt.Sprintf("Low average price (%.2f) - competitive market", avg))
		case avg > highAveragePrice:
			out = append(out, fmt.Sprintf("High average price (%.2f) - premium market", avg))
		}
	}
	if s.TotalItems > 0 && s.InStockRatio < 0.5 {
		out = append(out, fmt.Sprintf("Low availability (%.0f%% in stock)", s.InStockRatio*100))
	}
	return out
}

// Level grades one competitiveness dimension.
type Level string

// Levels.
const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Competitiveness is a rule-based score for a single item.
type Competitiveness struct {
	ASIN   string `json:"asin"`
	Score  int    `json:"score"`
	Price  Level  `json:"price"`
	Rating Level  `json:"rating"`
	Review Level  `json:"reviews"`
}

// Score grades item on price, rating and review volume. The score starts at
// 50 and is clamped to [0, 100].
func Score(item scraper.NormalizedItem) Competitiveness {
	var rating float64
	if item.Rating != nil {
		rating = *item.Rating
	}
	var reviews int
	if item.ReviewCount != nil {
		reviews = *item.ReviewCount
	}

	score := 50
	switch {
	case rating >= 4:
		score += 20
	case rating >= 3:
		score += 10
	}
	switch {
	case reviews >= 100:
		score += 15
	case reviews >= 10:
		score += 5
	}
	if item.Price > 0 && item.Price < 50 {
		score += 10
	}
	score = min(100, max(0, score))

	return Competitiveness{
		ASIN:   item.ASIN,
		Score:  score,
		Price:  grade(item.Price > 0 && item.Price < 30, item.Price > 0 && item.Price < 100),
		Rating: grade(rating >= 4, rating >= 3),
		Review: grade(reviews >= 100, reviews >= 10),
	}
}

func grade(high, medium bool) Level {
	switch {
	case high:
		return LevelHigh
	case medium:
		return LevelMedium
	default:
		return LevelLow
	}
}
