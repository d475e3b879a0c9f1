package convert

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

func TestConverter_TONIsIdentity(t *testing.T) {
	c := NewConverter()
	got, err := c.ToTON(context.Background(), decimal.NewFromInt(42), model.CurrencyTON)
	if err != nil {
		t.Fatalf("ToTON: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(42)) {
		t.Errorf("ToTON(TON) = %v, want 42 unchanged", got)
	}
}

func TestConverter_StarsFixedRate(t *testing.T) {
	c := NewConverter()
	got, err := c.ToTON(context.Background(), decimal.NewFromInt(100), model.CurrencyStars)
	if err != nil {
		t.Fatalf("ToTON: %v", err)
	}
	want := decimal.NewFromFloat(1.3)
	if !got.Equal(want) {
		t.Errorf("ToTON(100 Stars) = %v, want %v (100 * 0.013)", got, want)
	}
}

func TestConverter_StarsRoundTrip(t *testing.T) {
	c := NewConverter()
	ton, err := c.ToTON(context.Background(), decimal.NewFromInt(100), model.CurrencyStars)
	if err != nil {
		t.Fatalf("ToTON: %v", err)
	}
	back, err := c.FromTON(context.Background(), ton, model.CurrencyStars)
	if err != nil {
		t.Fatalf("FromTON: %v", err)
	}
	if !back.Equal(decimal.NewFromInt(100)) {
		t.Errorf("round trip = %v, want 100", back)
	}
}

func TestConverter_USDUsesDefaultRateWithoutNetwork(t *testing.T) {
	c := NewConverter()
	// A cached rate starts populated at defaultTONUSD with lastUpdated zero,
	// so ToTON would normally attempt a live fetch; pre-seed lastUpdated to
	// force the cache-hit path instead of reaching the network in a test.
	c.lastUpdated = time.Now()
	got, err := c.ToTON(context.Background(), decimal.NewFromFloat(5.0), model.CurrencyUSD)
	if err != nil {
		t.Fatalf("ToTON: %v", err)
	}
	want := decimal.NewFromInt(1)
	if !got.Equal(want) {
		t.Errorf("ToTON(5 USD) at default rate 5.0 = %v, want %v", got, want)
	}
}

func TestConverter_UnknownCurrencyErrors(t *testing.T) {
	c := NewConverter()
	if _, err := c.ToTON(context.Background(), decimal.NewFromInt(1), model.Currency("XYZ")); err == nil {
		t.Error("expected an error for an unrecognized currency")
	}
}
