// Package stats aggregates per-gift market statistics — active inventory,
// sales velocity, and rarity-tier breakdown — from the listing, sale, and
// snapshot stores.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/store"
	"github.com/giftscan/internal/valuation"
)

const (
	sevenDays  = 7 * 24 * time.Hour
	thirtyDays = 30 * 24 * time.Hour
)

var breakdownTiers = []model.RarityTier{
	model.TierUltraRare, model.TierRare, model.TierUncommon, model.TierCommon,
}

// TierStats is one rarity tier's slice of a gift's market statistics.
type TierStats struct {
	Tier               model.RarityTier
	ActiveListings     int
	FloorPrice         *decimal.Decimal
	MedianSalePrice30d *decimal.Decimal
	Sales30d           int
	PremiumVsCommon    *float64
}

// GiftStats is one gift's full market statistics snapshot.
type GiftStats struct {
	Slug              string
	Name              string
	ActiveListings    int
	FloorPrice        *decimal.Decimal
	AvgListingPrice   *decimal.Decimal
	Sales7d           int
	Sales30d          int
	AvgSalePrice7d    *decimal.Decimal
	MedianSalePrice7d *decimal.Decimal
	LastSaleDaysAgo   *int
	LiquidityScore    float64
	PriceTrend7d      string
	DaysOfInventory   *float64
	RarityBreakdown   map[model.RarityTier]TierStats
}

// CatalogReader is the read dependency supplying the (slug, name) set to
// iterate over.
type CatalogReader interface {
	Names(ctx context.Context) (map[string]string, error)
}

// ListingReader is the read dependency supplying active-listing aggregates.
type ListingReader interface {
	InventoryBySlug(ctx context.Context) (map[string]store.InventoryAgg, error)
	InventoryBySlugAndTier(ctx context.Context) (map[string]map[model.RarityTier]store.InventoryAgg, error)
}

// SaleReader is the read dependency supplying sale aggregates.
type SaleReader interface {
	PricesSinceAnyTier(ctx context.Context, slug string, since time.Time) ([]store.SaleRecord, error)
	PricesSince(ctx context.Context, slug string, tier model.RarityTier, since time.Time) ([]store.SaleRecord, error)
	CountSince(ctx context.Context, since time.Time) (map[string]int, error)
	LastSaleAt(ctx context.Context, slug string) (*time.Time, error)
}

// SnapshotReader is the read dependency supplying floor-price history for
// the trend calculation.
type SnapshotReader interface {
	FloorHistory(ctx context.Context, slug string, since time.Time) ([]decimal.Decimal, error)
}

// Service computes GiftStats for every gift in the catalog.
type Service struct {
	catalog   CatalogReader
	listings  ListingReader
	sales     SaleReader
	snapshots SnapshotReader
}

// NewService builds a Service over the given read dependencies.
func NewService(catalog CatalogReader, listings ListingReader, sales SaleReader, snapshots SnapshotReader) *Service {
	return &Service{catalog: catalog, listings: listings, sales: sales, snapshots: snapshots}
}

// ComputeAll returns every gift's market statistics, sorted by liquidity
// score descending.
func (s *Service) ComputeAll(ctx context.Context) ([]GiftStats, error) {
	gifts, err := s.catalog.Names(ctx)
	if err != nil {
		return nil, err
	}
	if len(gifts) == 0 {
		return nil, nil
	}

	now := time.Now()
	cutoff7d := now.Add(-sevenDays)
	cutoff30d := now.Add(-thirtyDays)

	inventory, err := s.listings.InventoryBySlug(ctx)
	if err != nil {
		return nil, err
	}
	tierInventory, err := s.listings.InventoryBySlugAndTier(ctx)
	if err != nil {
		return nil, err
	}
	sales30d, err := s.sales.CountSince(ctx, cutoff30d)
	if err != nil {
		return nil, err
	}

	var out []GiftStats
	for slug, name := range gifts {
		gs, err := s.computeOne(ctx, slug, name, inventory[slug], tierInventory[slug], sales30d[slug], now, cutoff7d, cutoff30d)
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LiquidityScore > out[j].LiquidityScore })
	return out, nil
}

func (s *Service) computeOne(
	ctx context.Context, slug, name string,
	inv store.InventoryAgg, tierInv map[model.RarityTier]store.InventoryAgg,
	sales30dCount int, now, cutoff7d, cutoff30d time.Time,
) (GiftStats, error) {
	prices7d, err := s.sales.PricesSinceAnyTier(ctx, slug, cutoff7d)
	if err != nil {
		return GiftStats{}, err
	}
	var avg7d, median7d *decimal.Decimal
	if len(prices7d) > 0 {
		ps := saleDecimals(prices7d)
		a := valuation.Mean(ps)
		m := valuation.Median(ps)
		avg7d, median7d = &a, &m
	}

	lastSaleAt, err := s.sales.LastSaleAt(ctx, slug)
	if err != nil {
		return GiftStats{}, err
	}
	var lastDaysAgo *int
	if lastSaleAt != nil {
		d := int(now.Sub(*lastSaleAt).Hours() / 24)
		lastDaysAgo = &d
	}

	active := inv.ActiveListings
	s7d := len(prices7d)
	liquidity := float64(s7d) / float64(maxInt(active, 1))
	if liquidity > 1.0 {
		liquidity = 1.0
	}

	floorHistory, err := s.snapshots.FloorHistory(ctx, slug, cutoff7d)
	if err != nil {
		return GiftStats{}, err
	}
	trend := computePriceTrend(floorHistory)

	var doi *float64
	if s7d > 0 {
		v := float64(active) / (float64(s7d) / 7.0)
		doi = &v
	}

	breakdown, err := s.rarityBreakdown(ctx, slug, tierInv, cutoff30d)
	if err != nil {
		return GiftStats{}, err
	}

	return GiftStats{
		Slug:              slug,
		Name:              name,
		ActiveListings:    active,
		FloorPrice:        inv.FloorPrice,
		AvgListingPrice:   inv.AvgPrice,
		Sales7d:           s7d,
		Sales30d:          sales30dCount,
		AvgSalePrice7d:    avg7d,
		MedianSalePrice7d: median7d,
		LastSaleDaysAgo:   lastDaysAgo,
		LiquidityScore:    liquidity,
		PriceTrend7d:      trend,
		DaysOfInventory:   doi,
		RarityBreakdown:   breakdown,
	}, nil
}

func (s *Service) rarityBreakdown(ctx context.Context, slug string, tierInv map[model.RarityTier]store.InventoryAgg, cutoff30d time.Time) (map[model.RarityTier]TierStats, error) {
	commonFloor := tierInv[model.TierCommon].FloorPrice

	out := make(map[model.RarityTier]TierStats, len(breakdownTiers))
	for _, tier := range breakdownTiers {
		info := tierInv[tier]

		tPrices, err := s.sales.PricesSince(ctx, slug, tier, cutoff30d)
		if err != nil {
			return nil, err
		}
		var median *decimal.Decimal
		if len(tPrices) > 0 {
			m := valuation.Median(saleDecimals(tPrices))
			median = &m
		}

		var premium *float64
		if info.FloorPrice != nil && commonFloor != nil && commonFloor.Sign() > 0 {
			p, _ := info.FloorPrice.Div(*commonFloor).Float64()
			premium = &p
		}

		out[tier] = TierStats{
			Tier:               tier,
			ActiveListings:     info.ActiveListings,
			FloorPrice:         info.FloorPrice,
			MedianSalePrice30d: median,
			Sales30d:           len(tPrices),
			PremiumVsCommon:    premium,
		}
	}
	return out, nil
}

// computePriceTrend compares the median of the oldest 3 floor-price points
// against the newest 3, per the 7-day trend calculation. Fewer than 6
// points is "unknown"; a >5% move is "up"/"down", else "stable".
func computePriceTrend(floorPrices []decimal.Decimal) string {
	if len(floorPrices) < 6 {
		return "unknown"
	}

	oldMedian := valuation.Median(floorPrices[:3])
	newMedian := valuation.Median(floorPrices[len(floorPrices)-3:])

	if oldMedian.Sign() == 0 {
		return "unknown"
	}

	changePct, _ := newMedian.Sub(oldMedian).Div(oldMedian).Mul(decimal.NewFromInt(100)).Float64()
	if changePct > 5 {
		return "up"
	}
	if changePct < -5 {
		return "down"
	}
	return "stable"
}

func saleDecimals(records []store.SaleRecord) []decimal.Decimal {
	out := make([]decimal.Decimal, len(records))
	for i, r := range records {
		out[i] = r.Price
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
