// Package tonnel implements the narrow-price-band aggregator adapter for
// the Tonnel marketplace (gifts2.tonnel.network), which exposes no
// collection index — only a paginated, price-filtered listing feed.
package tonnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/normalize"
)

const (
	apiURL       = "https://gifts2.tonnel.network/api/pageGifts"
	sourceName   = "Tonnel"
	minFloorTON  = 50
	pageSize     = 30
	maxCFRetries = 3
	noNewPages   = 2
	maxPagesPerRange = 10
	requestDelay = 3 * time.Second
)

type priceRange struct{ min, max int }

// priceRanges segments the 50-300 TON band the original focuses on (best
// arbitrage margin zone) into narrow bands so ascending-sort pagination
// doesn't bury cheap gifts under a wall of identical-priced listings.
var priceRanges = []priceRange{
	{50, 58}, {58, 67}, {67, 78}, {78, 90}, {90, 100},
	{100, 120}, {120, 150}, {150, 200},
	{200, 250}, {250, 300},
}

// Adapter walks every price range once per FetchAll call, keeping the
// lowest observed price per raw gift name before normalizing to a slug.
type Adapter struct {
	client *http.Client
	mapper *normalize.Mapper
	logger *log.Logger
	sleep  func(time.Duration)
}

// New builds a Tonnel adapter.
func New(mapper *normalize.Mapper, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		client: &http.Client{Timeout: 15 * time.Second},
		mapper: mapper,
		logger: logger,
		sleep:  time.Sleep,
	}
}

func (a *Adapter) SourceName() string { return sourceName }
func (a *Adapter) SupportsBulk() bool { return true }

func (a *Adapter) FetchOne(ctx context.Context, slug string) (market.Observation, error) {
	all, err := a.FetchAll(ctx)
	if err != nil {
		return market.Observation{}, err
	}
	obs, ok := all[slug]
	if !ok {
		return market.Observation{}, fmt.Errorf("tonnel: %w", market.ErrEmpty)
	}
	return obs, nil
}

func (a *Adapter) FetchAll(ctx context.Context) (map[string]market.Observation, error) {
	floors := make(map[string]float64)
	cfRetries := 0

	for _, pr := range priceRanges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfRetries = a.scanRange(ctx, pr, floors, cfRetries)
		if cfRetries > maxCFRetries {
			a.logger.Printf("tonnel: cloudflare blocked repeatedly, stopping")
			break
		}
		a.sleep(requestDelay)
	}

	results := make(map[string]market.Observation)
	for name, price := range floors {
		if price < minFloorTON {
			continue
		}
		slug := a.mapper.Slug(name, sourceName)
		if slug == "" {
			continue
		}
		dec := decimal.NewFromFloat(price)
		if existing, ok := results[slug]; !ok || dec.LessThan(existing.Price) {
			results[slug] = market.Observation{
				Price:    dec,
				Currency: model.CurrencyTON,
				Source:   sourceName,
				Slug:     slug,
				RawName:  name,
			}
		}
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("tonnel: %w", market.ErrEmpty)
	}
	return results, nil
}

type pageGiftsRequest struct {
	Filter   string `json:"filter"`
	Limit    int    `json:"limit"`
	Page     int    `json:"page"`
	Sort     string `json:"sort"`
	Ref      int    `json:"ref"`
	UserAuth string `json:"user_auth"`
}

type giftItem struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func (a *Adapter) scanRange(ctx context.Context, pr priceRange, floors map[string]float64, cfRetries int) int {
	filter := rangeFilter(pr)

	page := 1
	noNewCount := 0

	for page <= maxPagesPerRange {
		items, status, err := a.fetchPage(ctx, filter, page)
		if err != nil {
			a.logger.Printf("tonnel: range %d-%d page %d: %v", pr.min, pr.max, page, err)
			return cfRetries
		}

		if status == http.StatusForbidden {
			cfRetries++
			if cfRetries > maxCFRetries {
				a.logger.Printf("tonnel: cloudflare blocked at range %d-%d, stopping", pr.min, pr.max)
				return cfRetries
			}
			a.sleep(5 * time.Duration(cfRetries) * time.Second)
			continue
		}
		cfRetries = 0

		if status != http.StatusOK || len(items) == 0 {
			return cfRetries
		}

		newNames := 0
		for _, item := range items {
			if item.Name == "" || item.Price <= 0 {
				continue
			}
			if existing, ok := floors[item.Name]; !ok {
				floors[item.Name] = item.Price
				newNames++
			} else if item.Price < existing {
				floors[item.Name] = item.Price
			}
		}

		if newNames == 0 {
			noNewCount++
			if noNewCount >= noNewPages {
				return cfRetries
			}
		} else {
			noNewCount = 0
		}

		if len(items) < pageSize {
			return cfRetries
		}

		page++
		a.sleep(requestDelay)
	}

	return cfRetries
}

func (a *Adapter) fetchPage(ctx context.Context, filter string, page int) ([]giftItem, int, error) {
	sortJSON, _ := json.Marshal(map[string]int{"price": 1})
	payload, err := json.Marshal(pageGiftsRequest{
		Filter: filter,
		Limit:  pageSize,
		Page:   page,
		Sort:   string(sortJSON),
	})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", "https://market.tonnel.network")
	req.Header.Set("Referer", "https://market.tonnel.network/")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", market.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var items []giftItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", market.ErrMalformed, err)
	}
	return items, resp.StatusCode, nil
}

func rangeFilter(pr priceRange) string {
	b, _ := json.Marshal(map[string]any{
		"price":      map[string]int{"$gte": pr.min, "$lte": pr.max},
		"refunded":   map[string]bool{"$ne": true},
		"buyer":      map[string]bool{"$exists": false},
		"export_at":  map[string]bool{"$exists": true},
		"asset":      "TON",
	})
	return string(b)
}
