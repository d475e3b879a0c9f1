// Package portals implements the token-authed bulk adapter for the Portals
// marketplace (portal-market.com), including per-attribute (model,
// backdrop, symbol) floor prices.
package portals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/normalize"
	"github.com/giftscan/internal/ratelimit"
)

const (
	apiURL     = "https://portal-market.com/api"
	sourceName = "Portals"
	tokenTTL   = 12 * time.Hour
)

// portalsCollections lists the gift collections whose attribute floors are
// queried via /gifts/filterFloors, one request each.
var portalsCollections = []string{
	"Swiss Watches", "Loot Bags", "Scared Cats", "Precious Peaches",
}

// TokenSource exchanges a signed init payload for a bearer token. In
// production this wraps the Telegram TMA auth handshake; tests substitute
// a fake.
type TokenSource interface {
	FetchToken(ctx context.Context) (string, error)
}

// Adapter calls Portals' filterFloors endpoint once per configured
// collection, caching its bearer token for tokenTTL and invalidating it on
// a 401/403 response rather than retrying within the same tick.
type Adapter struct {
	tokens  TokenSource
	client  *http.Client
	limiter *ratelimit.Registry
	mapper  *normalize.Mapper
	logger  *log.Logger

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// New builds a Portals adapter. limiter must have a "portals" bucket
// configured (5 req/sec by default).
func New(tokens TokenSource, limiter *ratelimit.Registry, mapper *normalize.Mapper, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		tokens:  tokens,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		mapper:  mapper,
		logger:  logger,
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
		return market.Observation{}, fmt.Errorf("portals: %w", market.ErrEmpty)
	}
	return obs, nil
}

// FetchAll queries every configured collection's attribute floors, skipping
// the whole tick (not individual collections) if no valid auth token is
// available, matching the original's "no token, skip scan" behavior.
func (a *Adapter) FetchAll(ctx context.Context) (map[string]market.Observation, error) {
	token, err := a.cachedToken(ctx)
	if err != nil || token == "" {
		a.logger.Printf("portals: no auth token, skipping scan")
		return nil, fmt.Errorf("portals: %w", market.ErrEmpty)
	}

	results := make(map[string]market.Observation)

	for _, collection := range portalsCollections {
		obs, rejected, err := a.fetchCollectionFloors(ctx, token, collection)
		if rejected {
			a.invalidateToken()
			a.logger.Printf("portals: auth token rejected, invalidating")
			break
		}
		if err != nil {
			a.logger.Printf("portals: error fetching floors for %q: %v", collection, err)
			continue
		}
		for slug, o := range obs {
			results[slug] = o
		}
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("portals: %w", market.ErrEmpty)
	}
	return results, nil
}

type filterFloorsRequest struct {
	GiftName string `json:"gift_name"`
}

type floorDetail struct {
	Floor *string `json:"floor"`
}

type filterFloorsResponse struct {
	Models    map[string]floorDetail `json:"models"`
	Backdrops map[string]floorDetail `json:"backdrops"`
	Symbols   map[string]floorDetail `json:"symbols"`
}

// fetchCollectionFloors returns (observations, authRejected, err).
func (a *Adapter) fetchCollectionFloors(ctx context.Context, token, collection string) (map[string]market.Observation, bool, error) {
	release, err := a.limiter.Acquire(ctx, "portals")
	if err != nil {
		return nil, false, err
	}
	defer release()

	payload, err := json.Marshal(filterFloorsRequest{GiftName: collection})
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/gifts/filterFloors", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "tma "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", market.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, true, fmt.Errorf("%w", market.ErrAuthRejected)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("status=%d: %w", resp.StatusCode, market.ErrTransient)
	}

	var parsed filterFloorsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("%w: %v", market.ErrMalformed, err)
	}

	out := make(map[string]market.Observation)
	a.collectAttribute(out, collection, parsed.Models, model.AttrModel)
	a.collectAttribute(out, collection, parsed.Backdrops, model.AttrBackdrop)
	a.collectAttribute(out, collection, parsed.Symbols, model.AttrSymbol)
	return out, false, nil
}

func (a *Adapter) collectAttribute(out map[string]market.Observation, collection string, details map[string]floorDetail, attrKey string) {
	for name, detail := range details {
		if detail.Floor == nil {
			continue
		}
		price, err := decimal.NewFromString(*detail.Floor)
		if err != nil || price.Sign() <= 0 {
			continue
		}

		rawName := collection + " " + name
		slug := a.mapper.Slug(rawName, sourceName)
		if slug == "" {
			continue
		}

		out[slug] = market.Observation{
			Price:      price,
			Currency:   model.CurrencyTON,
			Source:     sourceName,
			Slug:       slug,
			RawName:    rawName,
			Attributes: model.Attributes{attrKey: name},
		}
	}
}

func (a *Adapter) cachedToken(ctx context.Context) (string, error) {
	a.mu.RLock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		token := a.token
		a.mu.RUnlock()
		return token, nil
	}
	a.mu.RUnlock()

	token, err := a.tokens.FetchToken(ctx)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.token = token
	a.tokenExpiry = time.Now().Add(tokenTTL)
	a.mu.Unlock()

	return token, nil
}

func (a *Adapter) invalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.tokenExpiry = time.Time{}
	a.mu.Unlock()
}
