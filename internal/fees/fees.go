// Package fees estimates the marketplace and gas costs of executing one
// side of an arbitrage trade.
package fees

import (
	"github.com/shopspring/decimal"
)

// Config holds the default fee percent and gas cost used when a source
// isn't in the per-marketplace table.
type Config struct {
	DefaultFeePercent decimal.Decimal
	GasFeeTON         decimal.Decimal
}

// DefaultConfig mirrors the fallback values used across marketplaces that
// don't publish a distinct fee schedule.
func DefaultConfig() Config {
	return Config{
		DefaultFeePercent: decimal.NewFromFloat(5.0),
		GasFeeTON:         decimal.NewFromFloat(0.1),
	}
}

// marketplaceFees are the known combined (platform + royalty) fee
// percentages per source. TelegramMarket is a direct peer-to-peer transfer
// and carries no platform cut.
var marketplaceFees = map[string]decimal.Decimal{
	"Fragment":       decimal.NewFromFloat(5.0),
	"GetGems":        decimal.NewFromFloat(5.0),
	"Portals":        decimal.NewFromFloat(5.0),
	"TonAPI":         decimal.NewFromFloat(5.0),
	"MRKT":           decimal.NewFromFloat(5.0),
	"TelegramMarket": decimal.Zero,
}

// Calculator computes buy-side, sell-side, and round-trip trade fees.
type Calculator struct {
	cfg Config
}

// NewCalculator builds a Calculator from cfg.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// FeePercent returns the known fee percentage for source, or the
// calculator's default when source isn't in the table.
func (c *Calculator) FeePercent(source string) decimal.Decimal {
	if pct, ok := marketplaceFees[source]; ok {
		return pct
	}
	return c.cfg.DefaultFeePercent
}

// BuyFees returns the marketplace fee plus gas for acquiring price on source.
func (c *Calculator) BuyFees(price decimal.Decimal, source string) decimal.Decimal {
	return c.tradeFee(price, source)
}

// SellFees returns the marketplace fee plus gas for disposing of price on
// source. Royalty and platform cut are folded into the same published
// percentage as the buy side.
func (c *Calculator) SellFees(price decimal.Decimal, source string) decimal.Decimal {
	return c.tradeFee(price, source)
}

func (c *Calculator) tradeFee(price decimal.Decimal, source string) decimal.Decimal {
	pct := c.FeePercent(source)
	marketplaceFee := price.Mul(pct).Div(decimal.NewFromInt(100))
	return marketplaceFee.Add(c.cfg.GasFeeTON)
}

// TotalRoundTrip returns the combined cost of buying at buyPrice on
// buySource and selling at sellPrice on sellSource.
func (c *Calculator) TotalRoundTrip(buyPrice decimal.Decimal, buySource string, sellPrice decimal.Decimal, sellSource string) decimal.Decimal {
	return c.BuyFees(buyPrice, buySource).Add(c.SellFees(sellPrice, sellSource))
}
