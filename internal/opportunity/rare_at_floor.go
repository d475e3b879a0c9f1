package opportunity

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// DefaultPremium is the expected-price multiplier over the common-tier
// floor used when there isn't enough sale history to trust a median.
var DefaultPremium = map[model.RarityTier]decimal.Decimal{
	model.TierUltraRare: decimal.NewFromFloat(5.0),
	model.TierRare:       decimal.NewFromFloat(2.5),
	model.TierUncommon:   decimal.NewFromFloat(1.3),
	model.TierCommon:     decimal.NewFromFloat(1.0),
}

const (
	minSalesForConfidence = 3
	minDiscountPct        = 0.30
	dedupWindow           = 4 * time.Hour
)

// EvaluateRareAtFloor checks one rare/ultra_rare listing against the
// collection's common-tier floor, using the sales median when it's backed
// by enough history, else falling back to DefaultPremium. discountThreshold
// is the minimum fractional discount to report; the tick scanner passes
// minDiscountPct.
func EvaluateRareAtFloor(listing model.Listing, commonFloor decimal.Decimal, medianSale *decimal.Decimal, salesCount int, discountThreshold float64) *Opportunity {
	if commonFloor.Sign() <= 0 {
		return nil
	}

	var expected decimal.Decimal
	if medianSale != nil && salesCount >= minSalesForConfidence {
		expected = *medianSale
	} else {
		premium, ok := DefaultPremium[listing.Tier]
		if !ok {
			premium = decimal.NewFromFloat(1.0)
		}
		expected = commonFloor.Mul(premium)
	}

	if expected.LessThanOrEqual(listing.Price) {
		return nil
	}

	discount, _ := expected.Sub(listing.Price).Div(expected).Float64()
	if discount < discountThreshold {
		return nil
	}

	return &Opportunity{
		Kind:        KindRareAtFloor,
		Slug:        listing.Slug,
		Tier:        listing.Tier,
		BuySource:   listing.Marketplace,
		BuyPrice:    listing.Price,
		Expected:    expected,
		DiscountPct: discount,
		NativeID:    &listing.NativeID,
		Serial:      listing.Serial,
	}
}

// RareAtFloorScanner evaluates every active rare/ultra_rare listing across a
// catalog once per tick and suppresses repeat alerts for the same item
// within dedupWindow, so a mispriced listing alerts at most every 4 hours.
type RareAtFloorScanner struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRareAtFloorScanner constructs an empty scanner; the dedup map is
// per-process and is intentionally lost on restart.
func NewRareAtFloorScanner() *RareAtFloorScanner {
	return &RareAtFloorScanner{lastSeen: make(map[string]time.Time)}
}

// ListingsBySlug provides the active listings the scanner needs for one
// collection, grouped by tier-relevant queries the caller already has.
type ListingsBySlug interface {
	ActiveBySlug(ctx context.Context, slug string) ([]model.Listing, error)
}

// MedianSaleLookup resolves the 30-day median sale price (and backing sale
// count) for a (slug, tier) pair.
type MedianSaleLookup func(ctx context.Context, slug string, tier model.RarityTier) (median *decimal.Decimal, salesCount int, err error)

// Scan evaluates every active rare/ultra_rare listing in slugs at the
// default 0.30 discount threshold, deduping per native id for 4 hours.
func (r *RareAtFloorScanner) Scan(ctx context.Context, slugs []string, listings ListingsBySlug, lookup MedianSaleLookup, now time.Time) ([]Opportunity, error) {
	var out []Opportunity

	for _, slug := range slugs {
		active, err := listings.ActiveBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}

		commonFloor := floorForTier(active, model.TierCommon)
		if commonFloor == nil {
			continue
		}

		for _, listing := range active {
			if listing.Tier != model.TierRare && listing.Tier != model.TierUltraRare {
				continue
			}

			median, count, err := lookup(ctx, slug, listing.Tier)
			if err != nil {
				return nil, err
			}

			opp := EvaluateRareAtFloor(listing, *commonFloor, median, count, minDiscountPct)
			if opp == nil {
				continue
			}
			if r.recentlyFired(listing.NativeID, now) {
				continue
			}
			r.markFired(listing.NativeID, now)
			out = append(out, *opp)
		}
	}

	return out, nil
}

func (r *RareAtFloorScanner) recentlyFired(nativeID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSeen[nativeID]
	return ok && now.Sub(last) < dedupWindow
}

func (r *RareAtFloorScanner) markFired(nativeID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[nativeID] = now
}

func floorForTier(listings []model.Listing, tier model.RarityTier) *decimal.Decimal {
	var floor *decimal.Decimal
	for _, l := range listings {
		if l.Tier != tier {
			continue
		}
		if floor == nil || l.Price.LessThan(*floor) {
			p := l.Price
			floor = &p
		}
	}
	return floor
}
