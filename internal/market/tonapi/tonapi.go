// Package tonapi implements the bulk indexed-aggregator marketplace adapter
// against TonAPI's public NFT collection index, the primary data source
// for gifts listed across GetGems, Portals, and MRKT.
package tonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/normalize"
	"github.com/giftscan/internal/ratelimit"
)

const (
	baseURL        = "https://tonapi.io/v2"
	pageLimit      = 1000
	perCollectionCap = 500
	sourceName     = "TonAPI"
)

// giftCollections are the TON NFT collection addresses this adapter scans
// (top GetGems gift collections by volume).
var giftCollections = []string{
	"EQATuUGdvrjLvTWE5ppVFOVCqU2dlCLUnKTsu0n1JYm9la10",
	"EQCE80Aln8YfldnQLwWMvOfloLGgmPY0eGDJz9ufG3gRui3D",
	"EQC1gud6QO8NdJjVrqr7qFBMO0oQsktkvzhmIRoMKo8vxiyL",
	"EQBI07PXew94YQz7GwN72nPNGF6htSTOJkuU4Kx_bjTZv32U",
	"EQDIReleOkTxCD4g_XEm8xj0LYNg6-zMsTGAAwCA-vEbkGBu",
	"EQCNsmpHqRSY_Dxnyh6P0MMO7zcABf8sVvG0wr245pBzO3B3",
	"EQCrGA9slCoksgD-NyRDjtHySKN0Ts8k6hdueJkUkZZdD4_K",
	"EQCt2C3yCRNX267B3l6h1QsU6agm4ZgTAb7NpVGiFKlBXOAA",
	"EQDJsN9OJBhKGZoWZWtkEpzkCfIu16Z9UzTWbYjeLpuHdT5f",
	"EQDvZ_9Z3tJ9k6eELLtTeuQAz4yOOWyYFZfzqNv2dGJiHvrF",
	"EQACcQpR2fmdeENWdE2YGQWHVxSTyA8Zq4_k7rk_IaxCRXNe",
	"EQAlROpjm1k1mW30r61qRx3lYHsZkTKXVSiaHEIhOlnYA4oy",
	"EQARIAumGWBmKSv2BoMxtunCEFybIn6nimCq_laeqkD-AVSk",
	"EQDeX0F1GDugNjtxkFRihu9ZyFFumBv2jYF5Al1thx2ADDQs",
}

// marketplaceContracts maps a sale contract address to the marketplace it
// belongs to, used as a fallback when TonAPI doesn't name the market
// directly.
var marketplaceContracts = map[string]string{
	"EQBYTuYbLf8INxFtD8tQeNk5ZLy-nAX9ahQbG_yl1qQ-GEMS": "GetGems",
	"EQAJ8uWd7EBqsmpSWaRdf_I-8R8-XHwh3gsNKhy-UrdrPcUo": "Portals",
	"EQCjk1hh952vWaE9bRguFkAhDAL5jj3xj9p0uPWrFBq_GEMS": "GetGems",
}

var serialPattern = regexp.MustCompile(`#(\d+)`)

// Adapter polls TonAPI's collection-items endpoint. It supports only the
// bulk strategy — FetchOne is unsupported since a per-slug lookup would
// mean re-fetching every collection anyway.
type Adapter struct {
	apiKey   string
	client   *http.Client
	limiter  *ratelimit.Registry
	mapper   *normalize.Mapper
	logger   *log.Logger
}

// New builds a TonAPI adapter. limiter must already have a "tonapi" bucket
// configured (1 req/sec on the free tier).
func New(apiKey string, limiter *ratelimit.Registry, mapper *normalize.Mapper, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 20 * time.Second},
		limiter: limiter,
		mapper:  mapper,
		logger:  logger,
	}
}

func (a *Adapter) SourceName() string { return sourceName }
func (a *Adapter) SupportsBulk() bool { return true }

// FetchOne is unsupported; callers should use FetchAll and index the result.
func (a *Adapter) FetchOne(ctx context.Context, slug string) (market.Observation, error) {
	return market.Observation{}, fmt.Errorf("tonapi: %w", market.ErrUnsupported)
}

// FetchAll pages through every configured collection and returns the
// cheapest observation per normalized slug across all of them — the
// price-comparison view. The full per-item set backing it comes from
// FetchListings; collapsing here is fine for snapshots but must never be
// fed to listing reconciliation, which needs every native id.
func (a *Adapter) FetchAll(ctx context.Context) (map[string]market.Observation, error) {
	items, err := a.FetchListings(ctx)
	if err != nil {
		return nil, err
	}
	return cheapestPerSlug(items), nil
}

// FetchListings returns every individually-listed item across all
// configured collections, one observation per NFT address. This is the
// reconciler's input: several items of the same gift are routinely listed
// at once, and each keeps its own native id here.
func (a *Adapter) FetchListings(ctx context.Context) ([]market.Observation, error) {
	var out []market.Observation

	for _, collection := range giftCollections {
		items, err := a.fetchCollection(ctx, collection)
		if err != nil {
			a.logger.Printf("tonapi: collection %s failed: %v", collection, err)
			continue
		}
		out = append(out, items...)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("tonapi: %w", market.ErrEmpty)
	}
	return out, nil
}

// cheapestPerSlug collapses a per-item listing set down to the cheapest
// observation per slug.
func cheapestPerSlug(items []market.Observation) map[string]market.Observation {
	results := make(map[string]market.Observation)
	for _, obs := range items {
		existing, ok := results[obs.Slug]
		if !ok || obs.Price.LessThan(existing.Price) {
			results[obs.Slug] = obs
		}
	}
	return results
}

type nftItemsResponse struct {
	NFTItems []nftItem `json:"nft_items"`
}

type nftItem struct {
	Address  string `json:"address"`
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Owner struct {
		Address string `json:"address"`
	} `json:"owner"`
	Sale *struct {
		Address string `json:"address"`
		Market  struct {
			Name string `json:"name"`
		} `json:"market"`
		Price struct {
			Value string `json:"value"`
		} `json:"price"`
	} `json:"sale"`
}

func (a *Adapter) fetchCollection(ctx context.Context, collection string) ([]market.Observation, error) {
	var out []market.Observation
	offset := 0

	for {
		release, err := a.limiter.Acquire(ctx, "tonapi")
		if err != nil {
			return out, err
		}

		url := fmt.Sprintf("%s/nfts/collections/%s/items?limit=%d&offset=%d", baseURL, collection, pageLimit, offset)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			release()
			return out, fmt.Errorf("tonapi: new request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "GiftScan/1.0")
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
		}

		resp, err := a.client.Do(req)
		release()
		if err != nil {
			return out, fmt.Errorf("tonapi: %w: %v", market.ErrTransient, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return out, fmt.Errorf("tonapi: %w", market.ErrRateLimited)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return out, fmt.Errorf("tonapi: status=%d: %w", resp.StatusCode, market.ErrTransient)
		}

		var parsed nftItemsResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return out, fmt.Errorf("tonapi: %w: %v", market.ErrMalformed, err)
		}

		if len(parsed.NFTItems) == 0 {
			break
		}

		for _, item := range parsed.NFTItems {
			obs, ok := a.parseItem(item)
			if ok {
				out = append(out, obs)
			}
		}

		if len(parsed.NFTItems) < pageLimit {
			break
		}
		offset += pageLimit
		if offset >= perCollectionCap {
			break
		}
	}

	return out, nil
}

func (a *Adapter) parseItem(item nftItem) (market.Observation, bool) {
	if item.Sale == nil || item.Sale.Price.Value == "" {
		return market.Observation{}, false
	}

	priceNano, err := decimal.NewFromString(item.Sale.Price.Value)
	if err != nil {
		return market.Observation{}, false
	}
	priceTON := priceNano.Div(decimal.New(1, 9))

	if item.Metadata.Name == "" || item.Address == "" {
		return market.Observation{}, false
	}

	rawName, serial := parseGiftMetadata(item.Metadata.Name)
	slug := a.mapper.Slug(rawName, sourceName)
	if slug == "" {
		return market.Observation{}, false
	}

	marketplace := detectMarketplace(item.Sale.Market.Name, item.Sale.Address)

	return market.Observation{
		Price:    priceTON,
		Currency: model.CurrencyTON,
		Source:   marketplace,
		Slug:     slug,
		NativeID: &item.Address,
		Serial:   serial,
		RawName:  rawName,
	}, true
}

func parseGiftMetadata(raw string) (string, *int) {
	loc := serialPattern.FindStringSubmatch(raw)
	if loc == nil {
		return raw, nil
	}
	n, err := strconv.Atoi(loc[1])
	if err != nil {
		return raw, nil
	}
	cleaned := serialPattern.ReplaceAllString(raw, "")
	cleaned = strings.NewReplacer("(", "", ")", "").Replace(cleaned)
	return strings.TrimSpace(cleaned), &n
}

func detectMarketplace(marketName, saleAddress string) string {
	if marketName != "" {
		return marketName
	}
	if saleAddress != "" {
		if name, ok := marketplaceContracts[saleAddress]; ok {
			return name
		}
		return "Unknown"
	}
	return sourceName
}
