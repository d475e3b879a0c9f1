// Package opportunity classifies cross-marketplace price gaps into
// arbitrage, undervalued, and rare-at-floor alerts.
package opportunity

import (
	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/fees"
	"github.com/giftscan/internal/model"
)

// Kind is the opportunity classification emitted to the alerter.
type Kind string

const (
	KindUndervalued          Kind = "undervalued"
	KindArbitrage             Kind = "arbitrage"
	KindArbitrageUnconfirmed Kind = "arbitrage_unconfirmed"
	KindRareAtFloor          Kind = "rare_at_floor"
)

// Candidate is one source's current price for a (slug, tier) group — the
// grouping the detector works over.
type Candidate struct {
	Source string
	Price  decimal.Decimal
}

// Opportunity is a single finding routed to the alerter.
type Opportunity struct {
	Kind        Kind
	Slug        string
	Tier        model.RarityTier
	BuySource   string
	BuyPrice    decimal.Decimal
	SellSource  string
	SellPrice   decimal.Decimal
	Spread      decimal.Decimal
	NativeID    *string
	Serial      *int
	Expected    decimal.Decimal
	DiscountPct float64

	// NetProfit and NetProfitPct are filled in by ApplyFees once a buy/sell
	// pair is known; zero until then.
	NetProfit    decimal.Decimal
	NetProfitPct float64
}

// ApplyFees computes the round-trip marketplace and gas cost of buying at
// BuyPrice on BuySource and selling at SellPrice on SellSource, and fills
// in NetProfit / NetProfitPct. A no-op for opportunities lacking both a
// buy and sell leg (rare_at_floor has no sell source).
func ApplyFees(o *Opportunity, calc *fees.Calculator) {
	if o == nil || o.SellSource == "" || o.BuyPrice.Sign() <= 0 {
		return
	}
	gross := o.SellPrice.Sub(o.BuyPrice)
	cost := calc.TotalRoundTrip(o.BuyPrice, o.BuySource, o.SellPrice, o.SellSource)
	o.NetProfit = gross.Sub(cost)
	pct, _ := o.NetProfit.Div(o.BuyPrice).Float64()
	o.NetProfitPct = pct * 100
}

const confidenceThreshold = 0.2

var (
	undervaluedRatio    = decimal.NewFromFloat(0.7)
	arbitrageCapRatio   = decimal.NewFromFloat(1.1)
	coldStartMaxRatio   = decimal.NewFromInt(2)
)

// Evaluate classifies one (slug, tier) group of candidate prices against an
// optional fair-value estimate, per the branch A / branch B rules. Returns
// nil when no opportunity clears the gates.
func Evaluate(slug string, tier model.RarityTier, candidates []Candidate, fv *model.FairValue, minSpread decimal.Decimal) *Opportunity {
	if len(candidates) == 0 {
		return nil
	}

	buy := cheapest(candidates)
	if buy.Price.Sign() <= 0 {
		return nil
	}

	if fv != nil && fv.Confidence >= confidenceThreshold {
		return evaluateBranchA(slug, tier, candidates, buy, fv, minSpread)
	}
	return evaluateBranchB(slug, tier, candidates, buy, minSpread)
}

func evaluateBranchA(slug string, tier model.RarityTier, candidates []Candidate, buy Candidate, fv *model.FairValue, minSpread decimal.Decimal) *Opportunity {
	median := fv.Median

	if buy.Price.LessThanOrEqual(median.Mul(undervaluedRatio)) {
		spread := median.Sub(buy.Price)
		return &Opportunity{
			Kind:       KindUndervalued,
			Slug:       slug,
			Tier:       tier,
			BuySource:  buy.Source,
			BuyPrice:   buy.Price,
			SellSource: "market (avg)",
			SellPrice:  median,
			Spread:     spread,
		}
	}

	if len(distinctSources(candidates)) < 2 {
		return nil
	}

	sell := highestExcluding(candidates, buy.Source)
	if sell == nil {
		return nil
	}
	sellCap := median.Mul(arbitrageCapRatio)
	sellPrice := sell.Price
	if sellPrice.GreaterThan(sellCap) {
		sellPrice = sellCap
	}

	spread := sellPrice.Sub(buy.Price)
	if spread.LessThan(minSpread) {
		return nil
	}

	return &Opportunity{
		Kind:       KindArbitrage,
		Slug:       slug,
		Tier:       tier,
		BuySource:  buy.Source,
		BuyPrice:   buy.Price,
		SellSource: sell.Source,
		SellPrice:  sellPrice,
		Spread:     spread,
	}
}

func evaluateBranchB(slug string, tier model.RarityTier, candidates []Candidate, buy Candidate, minSpread decimal.Decimal) *Opportunity {
	if len(distinctSources(candidates)) < 2 {
		return nil
	}

	sell := highest(candidates)
	if sell.Source == buy.Source {
		return nil
	}

	if sell.Price.Div(buy.Price).GreaterThan(coldStartMaxRatio) {
		return nil
	}

	spread := sell.Price.Sub(buy.Price)
	if spread.LessThan(minSpread) {
		return nil
	}

	return &Opportunity{
		Kind:       KindArbitrageUnconfirmed,
		Slug:       slug,
		Tier:       tier,
		BuySource:  buy.Source,
		BuyPrice:   buy.Price,
		SellSource: sell.Source,
		SellPrice:  sell.Price,
		Spread:     spread,
	}
}

func cheapest(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Price.LessThan(best.Price) {
			best = c
		}
	}
	return best
}

func highest(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Price.GreaterThan(best.Price) {
			best = c
		}
	}
	return best
}

func highestExcluding(candidates []Candidate, source string) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := candidates[i]
		if c.Source == source {
			continue
		}
		if best == nil || c.Price.GreaterThan(best.Price) {
			best = &c
		}
	}
	return best
}

func distinctSources(candidates []Candidate) map[string]struct{} {
	out := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		out[c.Source] = struct{}{}
	}
	return out
}
