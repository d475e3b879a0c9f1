// Package api exposes the downstream read surface: the gift listing query,
// the single-gift query, and the market-stats query. Handlers stay thin and
// call into the core packages; no business logic lives here.
package api

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/stats"
	"github.com/giftscan/internal/store"
)

const requestTimeout = 3 * time.Second

// CatalogReader supplies catalog entries for the listing and single-gift
// queries.
type CatalogReader interface {
	List(ctx context.Context) ([]model.Gift, error)
	Get(ctx context.Context, slug string) (*model.Gift, error)
}

// SnapshotReader resolves each source's latest observation for a slug.
type SnapshotReader interface {
	LatestBySlug(ctx context.Context, slug string) ([]store.LatestPoint, error)
}

// StatsSource computes the §4.J-style aggregates served by /stats.
type StatsSource interface {
	ComputeAll(ctx context.Context) ([]stats.GiftStats, error)
}

// Handler carries the read dependencies for all three routes.
type Handler struct {
	catalog      CatalogReader
	snapshots    SnapshotReader
	stats        StatsSource
	thresholdPct float64
	logger       *log.Logger
}

// NewHandler builds a Handler. thresholdPct is the spread percentage at or
// above which a gift's arbitrage_signal flag is set.
func NewHandler(catalog CatalogReader, snapshots SnapshotReader, statsSource StatsSource, thresholdPct float64, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		catalog:      catalog,
		snapshots:    snapshots,
		stats:        statsSource,
		thresholdPct: thresholdPct,
		logger:       logger,
	}
}

// Register attaches the read routes under /api/v1 plus a health check.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.GET("/gifts", h.listGifts)
	api.GET("/gifts/:slug", h.getGift)
	api.GET("/stats", h.getStats)
}

// GiftView is the per-collection payload of the listing and single-gift
// queries.
type GiftView struct {
	Slug            string                     `json:"slug"`
	Name            string                     `json:"name"`
	ImageURL        *string                    `json:"image_url,omitempty"`
	Prices          map[string]decimal.Decimal `json:"prices"`
	BestPrice       *decimal.Decimal           `json:"best_price,omitempty"`
	BestSource      string                     `json:"best_source,omitempty"`
	WorstPrice      *decimal.Decimal           `json:"worst_price,omitempty"`
	WorstSource     string                     `json:"worst_source,omitempty"`
	Spread          *decimal.Decimal           `json:"spread,omitempty"`
	SpreadPct       *float64                   `json:"spread_pct,omitempty"`
	ArbitrageSignal bool                       `json:"arbitrage_signal"`
}

// BuildGiftView assembles one gift's view from its latest per-source
// observations. Pure; exported for tests.
func BuildGiftView(gift model.Gift, points []store.LatestPoint, thresholdPct float64) GiftView {
	view := GiftView{
		Slug:     gift.Slug,
		Name:     gift.Name,
		ImageURL: gift.ImageURL,
		Prices:   make(map[string]decimal.Decimal, len(points)),
	}

	for _, p := range points {
		if p.Price.Sign() <= 0 {
			continue
		}
		// One price per source; LatestBySlug already returns the newest.
		view.Prices[p.Source] = p.Price
		if view.BestPrice == nil || p.Price.LessThan(*view.BestPrice) {
			price := p.Price
			view.BestPrice = &price
			view.BestSource = p.Source
		}
		if view.WorstPrice == nil || p.Price.GreaterThan(*view.WorstPrice) {
			price := p.Price
			view.WorstPrice = &price
			view.WorstSource = p.Source
		}
	}

	if view.BestPrice != nil && view.WorstPrice != nil && view.BestPrice.Sign() > 0 {
		spread := view.WorstPrice.Sub(*view.BestPrice)
		view.Spread = &spread
		pct, _ := spread.Div(*view.BestPrice).Mul(decimal.NewFromInt(100)).Float64()
		view.SpreadPct = &pct
		view.ArbitrageSignal = pct >= thresholdPct
	}

	return view
}

func (h *Handler) listGifts(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	gifts, err := h.catalog.List(ctx)
	if err != nil {
		h.logger.Printf("api: list catalog: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	query := strings.ToLower(c.Query("q"))
	minSpread := decimal.Zero
	if v := c.Query("min_spread"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_spread"})
			return
		}
		minSpread = d
	}

	var views []GiftView
	for _, gift := range gifts {
		if query != "" && !strings.Contains(strings.ToLower(gift.Name), query) &&
			!strings.Contains(gift.Slug, query) {
			continue
		}

		points, err := h.snapshots.LatestBySlug(ctx, gift.Slug)
		if err != nil {
			h.logger.Printf("api: latest snapshots for %s: %v", gift.Slug, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		view := BuildGiftView(gift, points, h.thresholdPct)
		if minSpread.Sign() > 0 && (view.Spread == nil || view.Spread.LessThan(minSpread)) {
			continue
		}
		views = append(views, view)
	}

	SortGiftViews(views, c.DefaultQuery("sort", "name"), c.DefaultQuery("order", "asc"))

	c.JSON(http.StatusOK, gin.H{"gifts": views, "count": len(views)})
}

// SortGiftViews orders views in place by one of {name, best_price,
// spread_pct}; unknown keys fall back to name. Gifts without the sort value
// always sink to the end regardless of direction.
func SortGiftViews(views []GiftView, key, order string) {
	desc := order == "desc"

	less := func(i, j int) bool {
		switch key {
		case "best_price":
			a, b := views[i].BestPrice, views[j].BestPrice
			if a == nil || b == nil {
				return b == nil && a != nil
			}
			if desc {
				return a.GreaterThan(*b)
			}
			return a.LessThan(*b)
		case "spread_pct":
			a, b := views[i].SpreadPct, views[j].SpreadPct
			if a == nil || b == nil {
				return b == nil && a != nil
			}
			if desc {
				return *a > *b
			}
			return *a < *b
		default:
			if desc {
				return views[i].Name > views[j].Name
			}
			return views[i].Name < views[j].Name
		}
	}

	sort.SliceStable(views, less)
}

func (h *Handler) getGift(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	slug := c.Param("slug")
	gift, err := h.catalog.Get(ctx, slug)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.logger.Printf("api: get gift %s: %v", slug, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	points, err := h.snapshots.LatestBySlug(ctx, slug)
	if err != nil {
		h.logger.Printf("api: latest snapshots for %s: %v", slug, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, BuildGiftView(*gift, points, h.thresholdPct))
}

// tierStatsView mirrors stats.TierStats with JSON tags.
type tierStatsView struct {
	ActiveListings     int              `json:"active_listings"`
	FloorPrice         *decimal.Decimal `json:"floor_price,omitempty"`
	MedianSalePrice30d *decimal.Decimal `json:"median_sale_price_30d,omitempty"`
	Sales30d           int              `json:"sales_30d"`
	PremiumVsCommon    *float64         `json:"premium_vs_common,omitempty"`
}

// giftStatsView mirrors stats.GiftStats with JSON tags.
type giftStatsView struct {
	Slug              string                   `json:"slug"`
	Name              string                   `json:"name"`
	ActiveListings    int                      `json:"active_listings"`
	FloorPrice        *decimal.Decimal         `json:"floor_price,omitempty"`
	AvgListingPrice   *decimal.Decimal         `json:"avg_listing_price,omitempty"`
	Sales7d           int                      `json:"sales_7d"`
	Sales30d          int                      `json:"sales_30d"`
	AvgSalePrice7d    *decimal.Decimal         `json:"avg_sale_price_7d,omitempty"`
	MedianSalePrice7d *decimal.Decimal         `json:"median_sale_price_7d,omitempty"`
	LastSaleDaysAgo   *int                     `json:"last_sale_days_ago,omitempty"`
	LiquidityScore    float64                  `json:"liquidity_score"`
	PriceTrend7d      string                   `json:"price_trend_7d"`
	DaysOfInventory   *float64                 `json:"days_of_inventory,omitempty"`
	RarityBreakdown   map[string]tierStatsView `json:"rarity_breakdown"`
}

func (h *Handler) getStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	all, err := h.stats.ComputeAll(ctx)
	if err != nil {
		h.logger.Printf("api: compute stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	slug := c.Query("slug")
	var views []giftStatsView
	for _, gs := range all {
		if slug != "" && gs.Slug != slug {
			continue
		}
		views = append(views, toStatsView(gs))
	}

	if slug != "" && len(views) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": views, "count": len(views)})
}

func toStatsView(gs stats.GiftStats) giftStatsView {
	breakdown := make(map[string]tierStatsView, len(gs.RarityBreakdown))
	for tier, ts := range gs.RarityBreakdown {
		breakdown[string(tier)] = tierStatsView{
			ActiveListings:     ts.ActiveListings,
			FloorPrice:         ts.FloorPrice,
			MedianSalePrice30d: ts.MedianSalePrice30d,
			Sales30d:           ts.Sales30d,
			PremiumVsCommon:    ts.PremiumVsCommon,
		}
	}
	return giftStatsView{
		Slug:              gs.Slug,
		Name:              gs.Name,
		ActiveListings:    gs.ActiveListings,
		FloorPrice:        gs.FloorPrice,
		AvgListingPrice:   gs.AvgListingPrice,
		Sales7d:           gs.Sales7d,
		Sales30d:          gs.Sales30d,
		AvgSalePrice7d:    gs.AvgSalePrice7d,
		MedianSalePrice7d: gs.MedianSalePrice7d,
		LastSaleDaysAgo:   gs.LastSaleDaysAgo,
		LiquidityScore:    gs.LiquidityScore,
		PriceTrend7d:      gs.PriceTrend7d,
		DaysOfInventory:   gs.DaysOfInventory,
		RarityBreakdown:   breakdown,
	}
}
