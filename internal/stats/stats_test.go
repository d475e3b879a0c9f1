package stats

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/store"
)

type fakeCatalog struct{ names map[string]string }

func (f *fakeCatalog) Names(ctx context.Context) (map[string]string, error) { return f.names, nil }

type fakeListings struct {
	bySlug     map[string]store.InventoryAgg
	bySlugTier map[string]map[model.RarityTier]store.InventoryAgg
}

func (f *fakeListings) InventoryBySlug(ctx context.Context) (map[string]store.InventoryAgg, error) {
	return f.bySlug, nil
}

func (f *fakeListings) InventoryBySlugAndTier(ctx context.Context) (map[string]map[model.RarityTier]store.InventoryAgg, error) {
	return f.bySlugTier, nil
}

type fakeSales struct {
	anyTier   map[string][]store.SaleRecord
	byTier    map[string]map[model.RarityTier][]store.SaleRecord
	countSince map[string]int
	lastSale  map[string]time.Time
}

func (f *fakeSales) PricesSinceAnyTier(ctx context.Context, slug string, since time.Time) ([]store.SaleRecord, error) {
	return f.anyTier[slug], nil
}

func (f *fakeSales) PricesSince(ctx context.Context, slug string, tier model.RarityTier, since time.Time) ([]store.SaleRecord, error) {
	return f.byTier[slug][tier], nil
}

func (f *fakeSales) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	return f.countSince, nil
}

func (f *fakeSales) LastSaleAt(ctx context.Context, slug string) (*time.Time, error) {
	t, ok := f.lastSale[slug]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

type fakeSnapshots struct{ history map[string][]decimal.Decimal }

func (f *fakeSnapshots) FloorHistory(ctx context.Context, slug string, since time.Time) ([]decimal.Decimal, error) {
	return f.history[slug], nil
}

func floorPtr(v int64) *decimal.Decimal { d := decimal.NewFromInt(v); return &d }

func TestComputeAll_LiquidityAndTrend(t *testing.T) {
	catalog := &fakeCatalog{names: map[string]string{"plushpepe": "Plush Pepe"}}
	listings := &fakeListings{
		bySlug: map[string]store.InventoryAgg{
			"plushpepe": {ActiveListings: 10, FloorPrice: floorPtr(80), AvgPrice: floorPtr(95)},
		},
		bySlugTier: map[string]map[model.RarityTier]store.InventoryAgg{
			"plushpepe": {
				model.TierCommon: {ActiveListings: 8, FloorPrice: floorPtr(80)},
				model.TierRare:   {ActiveListings: 2, FloorPrice: floorPtr(200)},
			},
		},
	}
	now := time.Now()
	sales := &fakeSales{
		anyTier: map[string][]store.SaleRecord{
			"plushpepe": {
				{Price: decimal.NewFromInt(90), DetectedAt: now.Add(-time.Hour)},
				{Price: decimal.NewFromInt(100), DetectedAt: now.Add(-2 * time.Hour)},
			},
		},
		byTier:     map[string]map[model.RarityTier][]store.SaleRecord{},
		countSince: map[string]int{"plushpepe": 5},
		lastSale:   map[string]time.Time{"plushpepe": now.Add(-time.Hour)},
	}
	snapshots := &fakeSnapshots{
		history: map[string][]decimal.Decimal{
			"plushpepe": {
				decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100),
				decimal.NewFromInt(80), decimal.NewFromInt(80), decimal.NewFromInt(80),
			},
		},
	}

	svc := NewService(catalog, listings, sales, snapshots)
	out, err := svc.ComputeAll(context.Background())
	if err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d stats, want 1", len(out))
	}
	gs := out[0]
	if gs.Sales7d != 2 {
		t.Errorf("Sales7d = %d, want 2", gs.Sales7d)
	}
	if gs.LiquidityScore != 0.2 {
		t.Errorf("LiquidityScore = %v, want 0.2", gs.LiquidityScore)
	}
	if gs.PriceTrend7d != "down" {
		t.Errorf("PriceTrend7d = %q, want down (100 -> 80 is a -20%% move)", gs.PriceTrend7d)
	}
	if gs.RarityBreakdown[model.TierRare].PremiumVsCommon == nil {
		t.Fatal("expected rare tier premium to be computed")
	}
	if got := *gs.RarityBreakdown[model.TierRare].PremiumVsCommon; got != 2.5 {
		t.Errorf("rare premium = %v, want 2.5 (200/80)", got)
	}
}

func TestComputeAll_EmptyCatalogReturnsNil(t *testing.T) {
	svc := NewService(&fakeCatalog{names: map[string]string{}}, &fakeListings{}, &fakeSales{}, &fakeSnapshots{})
	out, err := svc.ComputeAll(context.Background())
	if err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil result for empty catalog, got %v", out)
	}
}

func TestComputePriceTrend_TooFewPointsIsUnknown(t *testing.T) {
	if got := computePriceTrend([]decimal.Decimal{decimal.NewFromInt(1)}); got != "unknown" {
		t.Errorf("computePriceTrend with 1 point = %q, want unknown", got)
	}
}
