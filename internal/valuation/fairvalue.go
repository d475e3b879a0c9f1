package valuation

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/store"
)

const (
	defaultLookbackDays = 30
	recentWindow        = 7 * 24 * time.Hour
)

// SaleReader is the read dependency fair value needs from the sale store.
// Declared as an interface here (rather than importing *store.SaleStore
// directly into signatures) so tests can substitute an in-memory fake.
type SaleReader interface {
	PricesSince(ctx context.Context, slug string, tier model.RarityTier, since time.Time) ([]store.SaleRecord, error)
}

// FairValue computes the median/mean/confidence summary for a (slug, tier)
// pair from sales within lookbackDays. Returns nil if no sales exist in the
// window.
func FairValue(ctx context.Context, sales SaleReader, slug string, tier model.RarityTier, lookbackDays int) (*model.FairValue, error) {
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	now := time.Now()
	cutoff := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)

	records, err := sales.PricesSince(ctx, slug, tier, cutoff)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	prices := make([]decimal.Decimal, len(records))
	for i, r := range records {
		prices[i] = r.Price
	}

	recentCutoff := now.Add(-recentWindow)
	recentCount := 0
	for _, r := range records {
		if !r.DetectedAt.Before(recentCutoff) {
			recentCount++
		}
	}

	// records is ordered newest-first by the store query.
	lastSale := records[0].DetectedAt
	daysSinceLast := int(now.Sub(lastSale).Hours() / 24)

	confidence := Confidence(len(records), recentCount, daysSinceLast)

	return &model.FairValue{
		Slug:            slug,
		Tier:            tier,
		Median:          Median(prices),
		Mean:            Mean(prices),
		SaleCount:       len(records),
		RecentCount:     recentCount,
		LastSaleDaysAgo: &daysSinceLast,
		Confidence:      confidence,
	}, nil
}

// Confidence scores how reliable a fair-value estimate is, in [0, 1]:
//
//	base           = min(total/10, 1)       — 0.1 per sale, caps at 10 sales
//	recency_boost  = min(recent/3, 0.3)     — up to +0.3 for recent activity
//	staleness_pen  = max((daysSinceLast-14)/16, 0) — penalty past 14 days idle
//
// confidence = clip(base + recency_boost - staleness_pen, 0, 1).
func Confidence(totalCount, recentCount, daysSinceLast int) float64 {
	if totalCount == 0 {
		return 0
	}

	base := float64(totalCount) / 10.0
	if base > 1 {
		base = 1
	}

	recencyBoost := float64(recentCount) / 3.0
	if recencyBoost > 0.3 {
		recencyBoost = 0.3
	}

	stalenessPenalty := 0.0
	if daysSinceLast > 14 {
		stalenessPenalty = float64(daysSinceLast-14) / 16.0
	}

	score := base + recencyBoost - stalenessPenalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Median returns the median of a decimal slice. Input need not be sorted;
// Median sorts a copy.
func Median(values []decimal.Decimal) decimal.Decimal {
	sorted := sortedCopy(values)
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}

// Mean returns the arithmetic mean of a decimal slice.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

func sortedCopy(values []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	copy(out, values)
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
