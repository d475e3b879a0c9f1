// Package valuation derives rarity tiers and fair-value estimates from
// historical sale data.
package valuation

import (
	"strconv"

	"github.com/giftscan/internal/model"
)

var beautifulSerials = map[string]bool{
	"777": true, "420": true, "1234": true, "5555": true, "6969": true, "8888": true,
}

// Tier is a total, deterministic function of (serial, attributes). Rules
// are evaluated in order; the first match wins.
func Tier(serial *int, attrs model.Attributes) model.RarityTier {
	if serial == nil {
		return model.TierUnknown
	}
	n := *serial

	if n < 100 {
		return model.TierUltraRare
	}
	if backdrop, ok := attrs.Get(model.AttrBackdrop); ok && backdrop == "Black" {
		return model.TierUltraRare
	}

	if n < 1000 {
		return model.TierRare
	}

	s := strconv.Itoa(n)
	if beautifulSerials[s] || allDigitsIdentical(s) {
		return model.TierRare
	}

	if n < 5000 {
		return model.TierUncommon
	}

	return model.TierCommon
}

func allDigitsIdentical(s string) bool {
	if s == "" {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
