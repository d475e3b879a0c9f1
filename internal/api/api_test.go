package api

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/store"
)

func point(source string, price int64) store.LatestPoint {
	return store.LatestPoint{Source: source, Price: decimal.NewFromInt(price)}
}

func TestBuildGiftView_SpreadAndSignal(t *testing.T) {
	gift := model.Gift{Slug: "plushpepe", Name: "Plush Pepe"}
	points := []store.LatestPoint{
		point("GetGems", 80),
		point("Fragment", 130),
		point("Portals", 100),
	}

	view := BuildGiftView(gift, points, 5.0)

	if view.BestSource != "GetGems" || !view.BestPrice.Equal(decimal.NewFromInt(80)) {
		t.Errorf("best = %s@%v, want GetGems@80", view.BestSource, view.BestPrice)
	}
	if view.WorstSource != "Fragment" || !view.WorstPrice.Equal(decimal.NewFromInt(130)) {
		t.Errorf("worst = %s@%v, want Fragment@130", view.WorstSource, view.WorstPrice)
	}
	if !view.Spread.Equal(decimal.NewFromInt(50)) {
		t.Errorf("spread = %v, want 50", view.Spread)
	}
	if *view.SpreadPct != 62.5 {
		t.Errorf("spread_pct = %v, want 62.5", *view.SpreadPct)
	}
	if !view.ArbitrageSignal {
		t.Error("arbitrage_signal = false, want true at 62.5% >= 5%")
	}
}

func TestBuildGiftView_BelowThresholdNoSignal(t *testing.T) {
	gift := model.Gift{Slug: "plushpepe", Name: "Plush Pepe"}
	points := []store.LatestPoint{
		point("GetGems", 100),
		point("Fragment", 103),
	}

	view := BuildGiftView(gift, points, 5.0)

	if view.ArbitrageSignal {
		t.Error("arbitrage_signal = true for a 3% spread at a 5% threshold")
	}
}

func TestBuildGiftView_IgnoresNonPositivePrices(t *testing.T) {
	gift := model.Gift{Slug: "plushpepe", Name: "Plush Pepe"}
	points := []store.LatestPoint{
		point("GetGems", 0),
		point("Fragment", 90),
	}

	view := BuildGiftView(gift, points, 5.0)

	if len(view.Prices) != 1 {
		t.Fatalf("prices = %d entries, want 1", len(view.Prices))
	}
	if view.Spread == nil || view.Spread.Sign() != 0 {
		t.Errorf("spread = %v, want 0 with a single priced source", view.Spread)
	}
}

func TestBuildGiftView_NoObservations(t *testing.T) {
	gift := model.Gift{Slug: "plushpepe", Name: "Plush Pepe"}

	view := BuildGiftView(gift, nil, 5.0)

	if view.BestPrice != nil || view.Spread != nil || view.ArbitrageSignal {
		t.Errorf("empty view carries derived fields: %+v", view)
	}
}

func TestSortGiftViews(t *testing.T) {
	mk := func(name string, best int64, spreadPct float64) GiftView {
		b := decimal.NewFromInt(best)
		return GiftView{Name: name, BestPrice: &b, SpreadPct: &spreadPct}
	}

	cases := []struct {
		name      string
		key       string
		order     string
		wantFirst string
	}{
		{"by name asc", "name", "asc", "alpha"},
		{"by name desc", "name", "desc", "zeta"},
		{"by best_price asc", "best_price", "asc", "mid"},
		{"by best_price desc", "best_price", "desc", "zeta"},
		{"by spread_pct desc", "spread_pct", "desc", "alpha"},
		{"unknown key falls back to name", "bogus", "asc", "alpha"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			views := []GiftView{
				mk("zeta", 200, 3),
				mk("alpha", 50, 40),
				mk("mid", 10, 12),
			}
			SortGiftViews(views, tc.key, tc.order)
			if views[0].Name != tc.wantFirst {
				t.Errorf("first = %s, want %s", views[0].Name, tc.wantFirst)
			}
		})
	}
}

func TestSortGiftViews_MissingValuesSink(t *testing.T) {
	b := decimal.NewFromInt(10)
	views := []GiftView{
		{Name: "no-price"},
		{Name: "priced", BestPrice: &b},
	}

	SortGiftViews(views, "best_price", "asc")
	if views[len(views)-1].Name != "no-price" {
		t.Errorf("gift without a price did not sink to the end: %v", views)
	}

	SortGiftViews(views, "best_price", "desc")
	if views[len(views)-1].Name != "no-price" {
		t.Errorf("gift without a price did not sink to the end on desc: %v", views)
	}
}
