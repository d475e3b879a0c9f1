package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// noteworthySerials mirrors notifications.py's own literal list — kept
// separate from valuation's rarity-tier table since the two checks answer
// different questions (display-worthy vs. tier classification).
var noteworthySerials = map[string]bool{
	"777": true, "420": true, "1234": true, "5555": true, "6969": true, "8888": true,
}

var decimalHundred = decimal.NewFromInt(100)

// marketplaceLinks maps a source name to a deep-link template taking the
// gift slug. Sources without a known link scheme get no link line.
var marketplaceLinks = map[string]string{
	"Fragment": "https://fragment.com/gifts/%s",
	"GetGems":  "https://getgems.io/collection/%s",
	"Tonnel":   "https://market.tonnel.network/?gift=%s",
	"Portals":  "https://t.me/portals/market?startapp=%s",
}

// marketplaceLink returns the buy-side deep link for a deal, or "" when the
// marketplace has no known link scheme.
func marketplaceLink(source, slug string) string {
	tmpl, ok := marketplaceLinks[source]
	if !ok {
		return ""
	}
	return fmt.Sprintf(tmpl, slug)
}

// formatSummary renders deals as one Telegram-HTML summary message: a
// header with the deal count and timestamp, one block per deal (buy/sell/
// profit/ROI, plus rare-attribute lines when noteworthy), and a total
// potential profit footer.
func formatSummary(deals []Deal) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<b>ARBITRAGE SUMMARY</b>  |  %d deals  |  %s\n\n",
		len(deals), time.Now().Format("15:04:05"))

	totalProfit := decimal.Zero
	for i, d := range deals {
		o := d.Opportunity

		fmt.Fprintf(&b, "<b>%d. %s", i+1, d.GiftName)
		if o.Serial != nil {
			fmt.Fprintf(&b, " #%d", *o.Serial)
		}
		b.WriteString("</b>\n")

		if link := marketplaceLink(o.BuySource, o.Slug); link != "" {
			fmt.Fprintf(&b, "   BUY  <b>%s</b> TON @ <a href=\"%s\">%s</a>\n", o.BuyPrice.StringFixed(1), link, o.BuySource)
		} else {
			fmt.Fprintf(&b, "   BUY  <b>%s</b> TON @ %s\n", o.BuyPrice.StringFixed(1), o.BuySource)
		}
		fmt.Fprintf(&b, "   SELL <b>%s</b> TON @ %s\n", o.SellPrice.StringFixed(1), o.SellSource)

		roi := 0.0
		if o.BuyPrice.Sign() > 0 {
			roi, _ = o.Spread.Div(o.BuyPrice).Mul(decimalHundred).Float64()
		}
		fmt.Fprintf(&b, "   Profit: <b>%s TON</b> (%.0f%%)\n", o.Spread.StringFixed(1), roi)

		if isNoteworthy(o.Serial, d.Attributes) && len(d.Attributes) > 0 {
			b.WriteString("   Rare attributes:")
			for _, key := range []string{model.AttrBackdrop, model.AttrModel, model.AttrSymbol} {
				if v, ok := d.Attributes.Get(key); ok {
					fmt.Fprintf(&b, "\n     - %s: %s", key, v)
				}
			}
			b.WriteString("\n")
		}

		totalProfit = totalProfit.Add(o.NetProfit)
		if i < len(deals)-1 {
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nTotal potential profit: <b>%s TON</b>\n", totalProfit.StringFixed(1))

	return b.String()
}

// isNoteworthy reports whether a deal's serial/attributes are worth calling
// out: low serials, beautiful-number serials, or a Black backdrop.
func isNoteworthy(serial *int, attrs model.Attributes) bool {
	if serial == nil {
		return false
	}
	if *serial < 1000 {
		return true
	}
	s := strconv.Itoa(*serial)
	if noteworthySerials[s] {
		return true
	}
	if allSameDigit(s) {
		return true
	}
	if backdrop, ok := attrs.Get(model.AttrBackdrop); ok && backdrop == "Black" {
		return true
	}
	return false
}

func allSameDigit(s string) bool {
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
