// Package model holds the core data types shared across the scan, reconcile,
// valuation, opportunity, alert, and stats packages.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the unit a price was originally observed in.
type Currency string

const (
	CurrencyTON   Currency = "TON"
	CurrencyUSDT  Currency = "USDT"
	CurrencyStars Currency = "Stars"
	CurrencyUSD   Currency = "USD"
)

// RarityTier is the derived categorical rarity bucket for a gift instance.
type RarityTier string

const (
	TierUltraRare RarityTier = "ultra_rare"
	TierRare      RarityTier = "rare"
	TierUncommon  RarityTier = "uncommon"
	TierCommon    RarityTier = "common"
	TierUnknown   RarityTier = "unknown"
)

// Attributes is a semi-opaque key/value bag carried through snapshots and
// listings. Backdrop, Model and Symbol are the only keys interpreted by the
// tier and valuation logic; anything else is preserved for persistence but
// never read by core logic.
type Attributes map[string]string

// Get returns the value for a recognized or unrecognized key, and whether it
// was present.
func (a Attributes) Get(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	v, ok := a[key]
	return v, ok
}

// Gift is a catalog entry. Immutable for the core; written only by the
// catalog admin path, which is out of scope here.
type Gift struct {
	Slug        string
	Name        string
	ImageURL    *string
	TotalSupply *int
}

// Snapshot is one observed (slug, source) price point from a single scan
// tick. Invariant: Price > 0 — rows that would violate this are dropped
// before they ever reach the store.
type Snapshot struct {
	ID         int64
	Slug       string
	Source     string
	Price      decimal.Decimal
	Currency   Currency
	ScannedAt  time.Time
	NativeID   *string
	Serial     *int
	Attributes Attributes
}

// Listing is a currently or formerly active offer, keyed by its
// marketplace-native item identifier.
type Listing struct {
	NativeID    string
	Slug        string
	Serial      *int
	Tier        RarityTier
	Price       decimal.Decimal
	Marketplace string
	Attributes  Attributes
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	SoldAt      *time.Time
}

// Active reports whether the listing has not yet been matched to a sale.
func (l Listing) Active() bool {
	return l.SoldAt == nil
}

// Sale is an append-only record of a listing's disappearance, inferred to be
// a completed transaction.
type Sale struct {
	ID          int64
	Slug        string
	NativeID    string
	Serial      *int
	Tier        RarityTier
	Price       decimal.Decimal
	Marketplace string
	DetectedAt  time.Time
}

// FairValue summarizes historical sale prices for a (slug, tier) pair within
// a lookback window.
type FairValue struct {
	Slug            string
	Tier            RarityTier
	Median          decimal.Decimal
	Mean            decimal.Decimal
	SaleCount       int
	RecentCount     int
	LastSaleDaysAgo *int
	Confidence      float64
}

// Recognized attribute keys. Unknown keys survive persistence but are never
// interpreted by tier or valuation logic.
const (
	AttrBackdrop = "Backdrop"
	AttrModel    = "Model"
	AttrSymbol   = "Symbol"
)
