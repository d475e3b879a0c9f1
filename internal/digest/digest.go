// Package digest builds and sends the periodic four-section market summary:
// top collections by liquidity, a rarity premium table, rare-at-floor
// listings, and recent rare sales.
package digest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/alert"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/opportunity"
	"github.com/giftscan/internal/store"
	"github.com/giftscan/internal/valuation"
)

const (
	topN                  = 8
	minDiscount           = 0.15
	minSalesForConfidence = 3
)

var tierIcon = map[model.RarityTier]string{
	model.TierUltraRare: "\U0001F48E",
	model.TierRare:      "⭐",
	model.TierUncommon:  "\U0001F537",
	model.TierCommon:    "⬜",
}

// liquidityBar renders a 5-cell ASCII progress bar for a 0.0-1.0 score.
func liquidityBar(score float64, width int) string {
	filled := int(score*float64(width) + 0.5)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// CatalogReader supplies the (slug, name) lookup used across every section.
type CatalogReader interface {
	Names(ctx context.Context) (map[string]string, error)
}

// ListingReader supplies active-listing aggregates and per-slug listing
// detail for the rare-at-floor section.
type ListingReader interface {
	InventoryBySlugAndTier(ctx context.Context) (map[string]map[model.RarityTier]store.InventoryAgg, error)
	ActiveBySlug(ctx context.Context, slug string) ([]model.Listing, error)
}

// SaleReader supplies sale counts, per-tier sale medians, and recent rare
// sales.
type SaleReader interface {
	CountSince(ctx context.Context, since time.Time) (map[string]int, error)
	PricesSince(ctx context.Context, slug string, tier model.RarityTier, since time.Time) ([]store.SaleRecord, error)
	RecentBySlugAndTiers(ctx context.Context, tiers []model.RarityTier, since time.Time, limit int) ([]model.Sale, error)
}

// Builder assembles and delivers the periodic digest through a Sink.
type Builder struct {
	catalog  CatalogReader
	listings ListingReader
	sales    SaleReader
	sink     alert.Sink
	logger   *log.Logger
	interval time.Duration

	mu         sync.Mutex
	lastSentAt time.Time
}

// NewBuilder builds a Builder that fires at most once per interval.
func NewBuilder(catalog CatalogReader, listings ListingReader, sales SaleReader, sink alert.Sink, interval time.Duration, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{catalog: catalog, listings: listings, sales: sales, sink: sink, interval: interval, logger: logger}
}

// ShouldSend reports whether interval has elapsed since the last digest.
func (b *Builder) ShouldSend(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastSentAt.IsZero() {
		return true
	}
	return now.Sub(b.lastSentAt) >= b.interval
}

// SendIfDue builds and sends the digest if due, returning whether it sent.
// A build or send failure is logged and non-fatal, matching the scanner's
// tick-level failure tolerance.
func (b *Builder) SendIfDue(ctx context.Context, now time.Time) (bool, error) {
	if !b.ShouldSend(now) {
		return false, nil
	}

	b.mu.Lock()
	b.lastSentAt = now
	b.mu.Unlock()

	message, err := b.build(ctx, now)
	if err != nil {
		b.logger.Printf("digest: build failed: %v", err)
		return false, err
	}

	if b.sink == nil {
		return true, nil
	}
	if err := b.sink.SendSummary(ctx, message); err != nil {
		b.logger.Printf("digest: send failed: %v", err)
		return false, err
	}
	b.logger.Printf("digest: sent (%d chars)", len(message))
	return true, nil
}

func (b *Builder) build(ctx context.Context, now time.Time) (string, error) {
	cutoff7d := now.Add(-7 * 24 * time.Hour)
	cutoff24h := now.Add(-24 * time.Hour)
	cutoff30d := now.Add(-30 * 24 * time.Hour)

	names, err := b.catalog.Names(ctx)
	if err != nil {
		return "", err
	}

	tierInv, err := b.listings.InventoryBySlugAndTier(ctx)
	if err != nil {
		return "", err
	}

	slugActive := make(map[string]int, len(tierInv))
	for slug, byTier := range tierInv {
		n := 0
		for _, info := range byTier {
			n += info.ActiveListings
		}
		slugActive[slug] = n
	}

	sales7d, err := b.sales.CountSince(ctx, cutoff7d)
	if err != nil {
		return "", err
	}

	liquidity := func(slug string) float64 {
		s := float64(sales7d[slug])
		a := float64(slugActive[slug])
		if a < 1 {
			a = 1
		}
		score := s / a
		if score > 1 {
			score = 1
		}
		return score
	}

	topSlugs := make([]string, 0, len(slugActive))
	for slug := range slugActive {
		topSlugs = append(topSlugs, slug)
	}
	sort.Slice(topSlugs, func(i, j int) bool { return liquidity(topSlugs[i]) > liquidity(topSlugs[j]) })
	if len(topSlugs) > topN {
		topSlugs = topSlugs[:topN]
	}

	sectionTop := b.buildTopSection(topSlugs, names, tierInv, sales7d, slugActive, liquidity)
	sectionPremium := b.buildPremiumSection(topSlugs, names, tierInv)

	sectionRare, err := b.buildRareAtFloorSection(ctx, topSlugs, names, tierInv, cutoff30d)
	if err != nil {
		return "", err
	}

	sectionSales, err := b.buildRecentSalesSection(ctx, names, cutoff24h)
	if err != nil {
		return "", err
	}

	parts := []string{
		fmt.Sprintf("<b>\U0001F4CA GIFTSCAN MARKET DIGEST</b>  |  %s", now.Format("02 Jan 2006, 15:04 UTC")),
		"",
		sectionTop,
		"",
		sectionPremium,
		"",
		sectionRare,
		"",
		sectionSales,
		"",
		fmt.Sprintf("<i>Next digest in %s</i>", b.interval),
	}
	return strings.Join(parts, "\n"), nil
}

func (b *Builder) buildTopSection(
	topSlugs []string, names map[string]string,
	tierInv map[string]map[model.RarityTier]store.InventoryAgg,
	sales7d map[string]int, slugActive map[string]int,
	liquidity func(string) float64,
) string {
	medals := []string{"\U0001F947", "\U0001F948", "\U0001F949"}

	var lines []string
	for i, slug := range topSlugs {
		medal := "  "
		if i < len(medals) {
			medal = medals[i]
		}
		name := names[slug]
		if name == "" {
			name = slug
		}

		floorStr := "—"
		if info, ok := tierInv[slug][model.TierCommon]; ok && info.FloorPrice != nil {
			floorStr = info.FloorPrice.StringFixed(0) + " TON"
		}

		bar := liquidityBar(liquidity(slug), 5)
		lines = append(lines, fmt.Sprintf(
			"%s <b>%s</b>\n   floor %s | %d sales/7d | %d listings | %s",
			medal, name, floorStr, sales7d[slug], slugActive[slug], bar,
		))
	}

	return "<b>━━━ TOP COLLECTIONS ━━━</b>\n" + strings.Join(lines, "\n")
}

func (b *Builder) buildPremiumSection(topSlugs []string, names map[string]string, tierInv map[string]map[model.RarityTier]store.InventoryAgg) string {
	var lines []string
	for _, slug := range topSlugs {
		name := names[slug]
		if name == "" {
			name = slug
		}
		if len(name) > 14 {
			name = name[:14]
		}
		name = fmt.Sprintf("%-14s", name)

		byTier := tierInv[slug]
		var cells []string
		var commonFloor *decimal.Decimal
		for _, tier := range []model.RarityTier{model.TierCommon, model.TierRare, model.TierUltraRare} {
			info, ok := byTier[tier]
			cell := "—"
			if ok && info.FloorPrice != nil {
				cell = info.FloorPrice.StringFixed(0) + " TON"
				if tier == model.TierCommon {
					commonFloor = info.FloorPrice
				}
			}
			cells = append(cells, fmt.Sprintf("%-9s", cell))
		}

		var ratios []string
		for _, tier := range []model.RarityTier{model.TierRare, model.TierUltraRare} {
			info, ok := byTier[tier]
			if ok && info.FloorPrice != nil && commonFloor != nil && commonFloor.Sign() > 0 {
				ratio, _ := info.FloorPrice.Div(*commonFloor).Float64()
				ratios = append(ratios, fmt.Sprintf("%.1f×", ratio))
			}
		}
		ratioStr := ""
		if len(ratios) > 0 {
			ratioStr = "(" + strings.Join(ratios, " / ") + ")"
		}

		lines = append(lines, fmt.Sprintf("%s %s %s", name, strings.Join(cells, "  "), ratioStr))
	}

	var b2 strings.Builder
	b2.WriteString("<b>━━━ RARITY PREMIUMS ━━━</b>\n")
	b2.WriteString("<code>Collection     common    rare      ultra_rare</code>\n")
	for _, l := range lines {
		fmt.Fprintf(&b2, "<code>%s</code>\n", l)
	}
	return strings.TrimRight(b2.String(), "\n")
}

type rareEntry struct {
	discount float64
	line     string
}

func (b *Builder) buildRareAtFloorSection(ctx context.Context, topSlugs []string, names map[string]string, tierInv map[string]map[model.RarityTier]store.InventoryAgg, cutoff30d time.Time) (string, error) {
	var entries []rareEntry

	for _, slug := range topSlugs {
		commonFloor, ok := tierInv[slug][model.TierCommon]
		if !ok || commonFloor.FloorPrice == nil || commonFloor.FloorPrice.Sign() <= 0 {
			continue
		}

		listings, err := b.listings.ActiveBySlug(ctx, slug)
		if err != nil {
			return "", err
		}

		for _, listing := range listings {
			if listing.Tier != model.TierRare && listing.Tier != model.TierUltraRare {
				continue
			}

			sales, err := b.sales.PricesSince(ctx, slug, listing.Tier, cutoff30d)
			if err != nil {
				return "", err
			}

			var expected decimal.Decimal
			if len(sales) >= minSalesForConfidence {
				expected = valuation.Median(saleDecimals(sales))
			} else {
				premium, ok := opportunity.DefaultPremium[listing.Tier]
				if !ok {
					premium = decimal.NewFromFloat(1.0)
				}
				expected = commonFloor.FloorPrice.Mul(premium)
			}

			if expected.LessThanOrEqual(listing.Price) {
				continue
			}
			discount, _ := expected.Sub(listing.Price).Div(expected).Float64()
			if discount < minDiscount {
				continue
			}

			icon := tierIcon[listing.Tier]
			serial := ""
			if listing.Serial != nil {
				serial = fmt.Sprintf(" #%d", *listing.Serial)
			}
			name := names[slug]
			if name == "" {
				name = slug
			}
			line := fmt.Sprintf("%s <b>%s%s</b> — %s TON (expected: %s TON, -%d%%) @ %s",
				icon, name, serial, listing.Price.StringFixed(1), expected.StringFixed(0), int(discount*100), listing.Marketplace)
			entries = append(entries, rareEntry{discount: discount, line: line})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].discount > entries[j].discount })
	if len(entries) > 10 {
		entries = entries[:10]
	}

	body := "No listings currently qualify"
	if len(entries) > 0 {
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = e.line
		}
		body = strings.Join(lines, "\n")
	}

	return "<b>━━━ RARE AT FLOOR RIGHT NOW ━━━</b>\n" + body, nil
}

func (b *Builder) buildRecentSalesSection(ctx context.Context, names map[string]string, cutoff24h time.Time) (string, error) {
	sales, err := b.sales.RecentBySlugAndTiers(ctx, []model.RarityTier{model.TierUltraRare, model.TierRare}, cutoff24h, 10)
	if err != nil {
		return "", err
	}

	body := "No data"
	if len(sales) > 0 {
		lines := make([]string, len(sales))
		for i, s := range sales {
			icon := tierIcon[s.Tier]
			serial := ""
			if s.Serial != nil {
				serial = fmt.Sprintf(" #%d", *s.Serial)
			}
			hoursAgo := int(time.Since(s.DetectedAt).Hours())
			timeStr := fmt.Sprintf("%dh ago", hoursAgo)
			if hoursAgo <= 0 {
				timeStr = "just now"
			}
			name := names[s.Slug]
			if name == "" {
				name = s.Slug
			}
			tierLabel := strings.ReplaceAll(string(s.Tier), "_", " ")
			lines[i] = fmt.Sprintf("%s %s%s → <b>%s TON</b> (%s) · %s",
				icon, name, serial, s.Price.StringFixed(1), tierLabel, timeStr)
		}
		body = strings.Join(lines, "\n")
	}

	return "<b>━━━ RARE SALES (24H) ━━━</b>\n" + body, nil
}

func saleDecimals(records []store.SaleRecord) []decimal.Decimal {
	out := make([]decimal.Decimal, len(records))
	for i, r := range records {
		out[i] = r.Price
	}
	return out
}
