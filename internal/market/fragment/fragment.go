// Package fragment scrapes Fragment.com's gift listing page for the
// lowest currently-listed price of a single gift collection. Fragment
// exposes no API, so this is the only adapter that parses HTML.
package fragment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
)

const (
	baseURL    = "https://fragment.com/gifts"
	sourceName = "Fragment"
	userAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// priceText matches comma-grouped numbers like "12,990" or "500".
var priceText = regexp.MustCompile(`^[\d,]+(?:\.\d+)?$`)

// Adapter scrapes one slug's listing page per FetchOne call; it does not
// support bulk fetches since Fragment has no collection-index endpoint.
type Adapter struct {
	client *http.Client
}

// New builds a Fragment scraper.
func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *Adapter) SourceName() string { return sourceName }
func (a *Adapter) SupportsBulk() bool { return false }

func (a *Adapter) FetchAll(ctx context.Context) (map[string]market.Observation, error) {
	return nil, fmt.Errorf("fragment: %w", market.ErrUnsupported)
}

// FetchOne fetches https://fragment.com/gifts/{slug}?sort=price_asc and
// extracts the first (lowest) listed price via a three-strategy fallback
// chain: a structured row next to the gift's anchor, the nearest price-
// shaped text node following that anchor, or a raw regex over the body.
func (a *Adapter) FetchOne(ctx context.Context, slug string) (market.Observation, error) {
	url := fmt.Sprintf("%s/%s?sort=price_asc&filter=sale", baseURL, slug)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return market.Observation{}, fmt.Errorf("fragment: new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := a.client.Do(req)
	if err != nil {
		return market.Observation{}, fmt.Errorf("fragment: %w: %v", market.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		return market.Observation{}, fmt.Errorf("fragment: %w", market.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return market.Observation{}, fmt.Errorf("fragment: status=%d: %w", resp.StatusCode, market.ErrTransient)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Observation{}, fmt.Errorf("fragment: read body: %w", err)
	}

	price, ok := parseFloorPrice(string(body), slug)
	if !ok {
		return market.Observation{}, fmt.Errorf("fragment: %w", market.ErrEmpty)
	}

	return market.Observation{
		Price:    price,
		Currency: model.CurrencyTON,
		Source:   sourceName,
		Slug:     slug,
	}, nil
}

func parseFloorPrice(body, slug string) (decimal.Decimal, bool) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return regexFallback(body, slug)
	}

	hrefPattern := regexp.MustCompile(`/gift/` + regexp.QuoteMeta(slug) + `-\d+`)

	anchors := findAnchors(doc, hrefPattern)

	// Strategy 1: a structured row (tr or div ancestor) containing a price
	// cell near the gift's anchor.
	for _, a := range anchors {
		if row := nearestRowAncestor(a); row != nil {
			if price, ok := priceInElement(row); ok {
				return price, true
			}
		}
	}

	// Strategy 2: the nearest price-shaped text node following the anchor
	// in document order.
	var allNodes []*html.Node
	flatten(doc, &allNodes)
	for _, a := range anchors {
		idx := indexOf(allNodes, a)
		if idx < 0 {
			continue
		}
		checked := 0
		for i := idx + 1; i < len(allNodes) && checked < 10; i++ {
			n := allNodes[i]
			if n.Type != html.TextNode {
				continue
			}
			checked++
			text := strings.TrimSpace(n.Data)
			if priceText.MatchString(text) {
				if price, ok := textToDecimal(text); ok && price.Sign() > 0 {
					return price, true
				}
			}
		}
	}

	// Strategy 3: raw regex over the body as a last resort.
	return regexFallback(body, slug)
}

func regexFallback(body, slug string) (decimal.Decimal, bool) {
	pattern := regexp.MustCompile(`(?s)/gift/` + regexp.QuoteMeta(slug) + `-\d+.*?>([\d,]+(?:\.\d+)?)\s*(?:TON)?<`)
	m := pattern.FindStringSubmatch(body)
	if m == nil {
		return decimal.Zero, false
	}
	price, ok := textToDecimal(m[1])
	if !ok || price.Sign() <= 0 {
		return decimal.Zero, false
	}
	return price, true
}

func textToDecimal(text string) (decimal.Decimal, bool) {
	cleaned := strings.ReplaceAll(text, ",", "")
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func findAnchors(n *html.Node, hrefPattern *regexp.Regexp) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "a" {
			for _, attr := range node.Attr {
				if attr.Key == "href" && hrefPattern.MatchString(attr.Val) {
					out = append(out, node)
					break
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func nearestRowAncestor(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && (p.Data == "tr" || p.Data == "div") {
			return p
		}
	}
	return nil
}

func priceInElement(n *html.Node) (decimal.Decimal, bool) {
	var found decimal.Decimal
	var ok bool
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if ok {
			return
		}
		if node.Type == html.ElementNode {
			switch node.Data {
			case "td", "span", "div", "b":
				text := strings.TrimSpace(textContent(node))
				if priceText.MatchString(text) {
					if price, ok2 := textToDecimal(text); ok2 {
						found, ok = price, true
						return
					}
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
			if ok {
				return
			}
		}
	}
	walk(n)
	return found, ok
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func flatten(n *html.Node, out *[]*html.Node) {
	*out = append(*out, n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flatten(c, out)
	}
}

func indexOf(nodes []*html.Node, target *html.Node) int {
	for i, n := range nodes {
		if n == target {
			return i
		}
	}
	return -1
}
