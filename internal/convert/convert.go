// Package convert translates gift prices between TON, USD/USDT, and
// Telegram Stars.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// starsPerTON is the fixed Telegram Stars conversion rate: 1 Star = 0.013
// TON. There is no market for this pair; it's set by the platform.
var starsPerTON = decimal.NewFromFloat(0.013)

const (
	rateCacheTTL  = 5 * time.Minute
	defaultTONUSD = 5.0
	ratesURL      = "https://tonapi.io/v2/rates?tokens=ton&currencies=usd"
)

// Converter converts between the currencies a gift price may be quoted in.
// The TON/USD rate is fetched lazily and cached for rateCacheTTL; a fetch
// failure falls back to the last known rate, or defaultTONUSD if none has
// ever been fetched.
type Converter struct {
	httpClient *http.Client

	mu          sync.Mutex
	tonUSDRate  decimal.Decimal
	lastUpdated time.Time
}

// NewConverter builds a Converter with defaultTONUSD as its initial rate.
func NewConverter() *Converter {
	return &Converter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tonUSDRate: decimal.NewFromFloat(defaultTONUSD),
	}
}

// ToTON converts amount, quoted in from, into TON.
func (c *Converter) ToTON(ctx context.Context, amount decimal.Decimal, from model.Currency) (decimal.Decimal, error) {
	switch from {
	case model.CurrencyTON:
		return amount, nil
	case model.CurrencyUSD, model.CurrencyUSDT:
		rate, err := c.cachedTONUSDRate(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		if rate.Sign() <= 0 {
			return decimal.Zero, nil
		}
		return amount.Div(rate), nil
	case model.CurrencyStars:
		return amount.Mul(starsPerTON), nil
	default:
		return decimal.Zero, fmt.Errorf("convert: unknown currency %q", from)
	}
}

// FromTON converts amountTON into to.
func (c *Converter) FromTON(ctx context.Context, amountTON decimal.Decimal, to model.Currency) (decimal.Decimal, error) {
	switch to {
	case model.CurrencyTON:
		return amountTON, nil
	case model.CurrencyUSD, model.CurrencyUSDT:
		rate, err := c.cachedTONUSDRate(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		return amountTON.Mul(rate), nil
	case model.CurrencyStars:
		if starsPerTON.Sign() <= 0 {
			return decimal.Zero, nil
		}
		return amountTON.Div(starsPerTON), nil
	default:
		return decimal.Zero, fmt.Errorf("convert: unknown currency %q", to)
	}
}

func (c *Converter) cachedTONUSDRate(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	if time.Since(c.lastUpdated) < rateCacheTTL {
		rate := c.tonUSDRate
		c.mu.Unlock()
		return rate, nil
	}
	c.mu.Unlock()

	rate, err := c.fetchTONUSDRate(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Keep serving the last known rate on a fetch failure.
		return c.tonUSDRate, nil
	}
	c.tonUSDRate = rate
	c.lastUpdated = time.Now()
	return rate, nil
}

type tonapiRatesResponse struct {
	Rates map[string]struct {
		Prices map[string]json.Number `json:"prices"`
	} `json:"rates"`
}

func (c *Converter) fetchTONUSDRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ratesURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("fetch rates: status=%d", resp.StatusCode)
	}

	var parsed tonapiRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, fmt.Errorf("decode rates: %w", err)
	}

	ton, ok := parsed.Rates["TON"]
	if !ok {
		return decimal.Zero, fmt.Errorf("fetch rates: response missing TON entry")
	}
	usd, ok := ton.Prices["USD"]
	if !ok {
		return decimal.Zero, fmt.Errorf("fetch rates: response missing USD price")
	}

	return decimal.NewFromString(usd.String())
}
