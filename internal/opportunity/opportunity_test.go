package opportunity

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/fees"
	"github.com/giftscan/internal/model"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestEvaluate_UndervaluedDetection(t *testing.T) {
	fv := &model.FairValue{Median: dec(100), Confidence: 0.7}
	candidates := []Candidate{
		{Source: "A", Price: dec(65)},
		{Source: "B", Price: dec(110)},
	}

	got := Evaluate("plushpepe", model.TierCommon, candidates, fv, dec(0))
	if got == nil {
		t.Fatal("expected an opportunity, got nil")
	}
	if got.Kind != KindUndervalued {
		t.Errorf("Kind = %v, want undervalued", got.Kind)
	}
	if !got.SellPrice.Equal(dec(100)) {
		t.Errorf("sell_target = %v, want 100", got.SellPrice)
	}
	if !got.Spread.Equal(dec(35)) {
		t.Errorf("spread = %v, want 35", got.Spread)
	}
}

func TestEvaluate_ConfirmedArbitrage(t *testing.T) {
	fv := &model.FairValue{Median: dec(100), Confidence: 0.5}
	candidates := []Candidate{
		{Source: "A", Price: dec(80)},
		{Source: "B", Price: dec(130)},
	}

	got := Evaluate("plushpepe", model.TierCommon, candidates, fv, dec(0))
	if got == nil {
		t.Fatal("expected an opportunity, got nil")
	}
	if got.Kind != KindArbitrage {
		t.Errorf("Kind = %v, want arbitrage", got.Kind)
	}
	if !got.SellPrice.Equal(dec(110)) {
		t.Errorf("sell price = %v, want capped to 110", got.SellPrice)
	}
	if !got.Spread.Equal(dec(30)) {
		t.Errorf("spread = %v, want 30", got.Spread)
	}
}

func TestEvaluate_ColdStartSuppression(t *testing.T) {
	candidates := []Candidate{
		{Source: "A", Price: dec(50)},
		{Source: "B", Price: dec(150)},
	}

	got := Evaluate("plushpepe", model.TierCommon, candidates, nil, dec(0))
	if got != nil {
		t.Fatalf("expected no alert for a 3.0x cold-start ratio, got %+v", got)
	}
}

func TestEvaluate_ColdStartConservativePass(t *testing.T) {
	candidates := []Candidate{
		{Source: "A", Price: dec(50)},
		{Source: "B", Price: dec(85)},
		{Source: "C", Price: dec(70)},
	}

	got := Evaluate("plushpepe", model.TierCommon, candidates, nil, dec(10))
	if got == nil {
		t.Fatal("expected an arbitrage_unconfirmed alert, got nil")
	}
	if got.Kind != KindArbitrageUnconfirmed {
		t.Errorf("Kind = %v, want arbitrage_unconfirmed", got.Kind)
	}
	if got.BuySource != "A" || !got.BuyPrice.Equal(dec(50)) {
		t.Errorf("buy = %s@%v, want A@50", got.BuySource, got.BuyPrice)
	}
	if got.SellSource != "B" || !got.SellPrice.Equal(dec(85)) {
		t.Errorf("sell = %s@%v, want B@85", got.SellSource, got.SellPrice)
	}
}

func TestEvaluate_ColdStartMinSpreadGate(t *testing.T) {
	candidates := []Candidate{
		{Source: "A", Price: dec(50)},
		{Source: "B", Price: dec(55)},
	}

	got := Evaluate("plushpepe", model.TierCommon, candidates, nil, dec(10))
	if got != nil {
		t.Fatalf("expected min_spread gate to suppress a 5-unit spread, got %+v", got)
	}
}

func TestEvaluate_SingleSourceStillUndervalued(t *testing.T) {
	fv := &model.FairValue{Median: dec(100), Confidence: 0.9}
	candidates := []Candidate{{Source: "A", Price: dec(40)}}

	got := Evaluate("plushpepe", model.TierCommon, candidates, fv, dec(0))
	if got == nil {
		t.Fatal("expected the undervalued branch to still fire off the median alone")
	}
	if got.Kind != KindUndervalued {
		t.Errorf("single cheap source against a confident median should be undervalued, got %v", got.Kind)
	}
}

func TestEvaluateRareAtFloor_DiscountAboveThreshold(t *testing.T) {
	serial := 321
	listing := model.Listing{
		NativeID: "gift-321",
		Slug:     "plushpepe",
		Tier:     model.TierRare,
		Price:    dec(120),
		Serial:   &serial,
	}

	got := EvaluateRareAtFloor(listing, dec(100), nil, 0, minDiscountPct)
	if got == nil {
		t.Fatal("expected a rare_at_floor opportunity, got nil")
	}
	if got.Kind != KindRareAtFloor {
		t.Errorf("Kind = %v, want rare_at_floor", got.Kind)
	}
	if !got.Expected.Equal(dec(250)) {
		t.Errorf("expected price = %v, want 250 (100 * 2.5 premium)", got.Expected)
	}
	wantDiscount := 0.52
	if diff := got.DiscountPct - wantDiscount; diff > 0.001 || diff < -0.001 {
		t.Errorf("discount = %v, want ~%v", got.DiscountPct, wantDiscount)
	}
}

func TestEvaluateRareAtFloor_BelowThresholdSuppressed(t *testing.T) {
	listing := model.Listing{
		NativeID: "gift-1",
		Slug:     "plushpepe",
		Tier:     model.TierRare,
		Price:    dec(240),
	}

	got := EvaluateRareAtFloor(listing, dec(100), nil, 0, minDiscountPct)
	if got != nil {
		t.Fatalf("discount of (250-240)/250=0.04 should not clear 0.30 threshold, got %+v", got)
	}
}

func TestEvaluateRareAtFloor_UsesMedianWhenBackedByEnoughSales(t *testing.T) {
	listing := model.Listing{
		NativeID: "gift-2",
		Slug:     "plushpepe",
		Tier:     model.TierRare,
		Price:    dec(120),
	}
	median := dec(300)

	got := EvaluateRareAtFloor(listing, dec(100), &median, minSalesForConfidence, minDiscountPct)
	if got == nil {
		t.Fatal("expected an opportunity using the sale median, got nil")
	}
	if !got.Expected.Equal(dec(300)) {
		t.Errorf("expected price = %v, want the 300 sale median, not the 250 premium fallback", got.Expected)
	}
}

func TestRareAtFloorScanner_DedupsWithinWindow(t *testing.T) {
	scanner := NewRareAtFloorScanner()
	slug := "plushpepe"
	serial := 321
	active := []model.Listing{
		{NativeID: "common-1", Slug: slug, Tier: model.TierCommon, Price: dec(100)},
		{NativeID: "rare-1", Slug: slug, Tier: model.TierRare, Price: dec(120), Serial: &serial},
	}
	lister := fakeListingsBySlug{listings: active}
	lookup := func(_ context.Context, _ string, _ model.RarityTier) (*decimal.Decimal, int, error) {
		return nil, 0, nil
	}

	now := time.Now()
	first, err := scanner.Scan(context.Background(), []string{slug}, lister, lookup, now)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one rare_at_floor opportunity, got %d", len(first))
	}

	second, err := scanner.Scan(context.Background(), []string{slug}, lister, lookup, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected the repeat within the dedup window to be suppressed, got %d", len(second))
	}

	third, err := scanner.Scan(context.Background(), []string{slug}, lister, lookup, now.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("third scan: %v", err)
	}
	if len(third) != 1 {
		t.Fatalf("expected the opportunity to fire again after the dedup window elapses, got %d", len(third))
	}
}

func TestApplyFees_NetProfitAccountsForRoundTripCost(t *testing.T) {
	calc := fees.NewCalculator(fees.DefaultConfig())
	o := &Opportunity{
		Kind: KindArbitrage, BuySource: "TonAPI", BuyPrice: dec(100),
		SellSource: "Fragment", SellPrice: dec(150), Spread: dec(50),
	}

	ApplyFees(o, calc)

	// buy fee: 100*5%+0.1=5.1, sell fee: 150*5%+0.1=7.6, total=12.7
	// gross 50, net 50-12.7=37.3
	want := decimal.NewFromFloat(37.3)
	if !o.NetProfit.Equal(want) {
		t.Errorf("NetProfit = %v, want %v", o.NetProfit, want)
	}
	if o.NetProfitPct <= 0 {
		t.Errorf("NetProfitPct = %v, want positive", o.NetProfitPct)
	}
}

func TestApplyFees_NoSellLegIsNoop(t *testing.T) {
	calc := fees.NewCalculator(fees.DefaultConfig())
	o := &Opportunity{Kind: KindRareAtFloor, BuyPrice: dec(100)}

	ApplyFees(o, calc)

	if !o.NetProfit.IsZero() {
		t.Errorf("expected no-op for a sell-less opportunity, got NetProfit=%v", o.NetProfit)
	}
}

type fakeListingsBySlug struct {
	listings []model.Listing
}

func (f fakeListingsBySlug) ActiveBySlug(ctx context.Context, slug string) ([]model.Listing, error) {
	return f.listings, nil
}
