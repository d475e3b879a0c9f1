package opportunity

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/fees"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/store"
	"github.com/giftscan/internal/valuation"
)

const defaultLookbackDays = 30

// CatalogReader is the read dependency the detector needs to know which
// slugs to group observations over.
type CatalogReader interface {
	ListSlugs(ctx context.Context) ([]string, error)
}

// SnapshotReader resolves the latest observation per source for a slug,
// the raw material the detector groups by rarity tier.
type SnapshotReader interface {
	LatestBySlug(ctx context.Context, slug string) ([]store.LatestPoint, error)
}

// Detector groups the latest per-(slug, source) snapshot by (slug, tier)
// and runs Evaluate over each group, attaching net-profit fields via
// fees.Calculator before returning.
type Detector struct {
	catalog      CatalogReader
	snapshots    SnapshotReader
	sales        valuation.SaleReader
	calc         *fees.Calculator
	minSpread    decimal.Decimal
	lookbackDays int
}

// NewDetector builds a Detector. minSpread is the minimum arbitrage spread
// in TON required to emit an Arbitrage/ArbitrageUnconfirmed opportunity.
func NewDetector(catalog CatalogReader, snapshots SnapshotReader, sales valuation.SaleReader, calc *fees.Calculator, minSpread decimal.Decimal) *Detector {
	return &Detector{
		catalog:      catalog,
		snapshots:    snapshots,
		sales:        sales,
		calc:         calc,
		minSpread:    minSpread,
		lookbackDays: defaultLookbackDays,
	}
}

// Scan groups every catalog slug's latest snapshots by tier and evaluates
// each group, returning every opportunity that clears Evaluate's gates with
// NetProfit/NetProfitPct already filled in.
func (d *Detector) Scan(ctx context.Context) ([]Opportunity, error) {
	slugs, err := d.catalog.ListSlugs(ctx)
	if err != nil {
		return nil, err
	}

	var out []Opportunity
	for _, slug := range slugs {
		opps, err := d.scanSlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, opps...)
	}
	return out, nil
}

func (d *Detector) scanSlug(ctx context.Context, slug string) ([]Opportunity, error) {
	points, err := d.snapshots.LatestBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}

	byTier := make(map[model.RarityTier][]Candidate)
	for _, p := range points {
		tier := valuation.Tier(p.Serial, p.Attributes)
		byTier[tier] = append(byTier[tier], Candidate{Source: p.Source, Price: p.Price})
	}

	var out []Opportunity
	for tier, candidates := range byTier {
		fv, err := valuation.FairValue(ctx, d.sales, slug, tier, d.lookbackDays)
		if err != nil {
			return nil, err
		}

		opp := Evaluate(slug, tier, candidates, fv, d.minSpread)
		if opp == nil {
			continue
		}
		ApplyFees(opp, d.calc)
		out = append(out, *opp)
	}
	return out, nil
}
