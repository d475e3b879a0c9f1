// Package virtual implements per-marketplace adapters that share one
// upstream bulk fetch behind a TTL cache rather than hitting their own
// endpoint — the Go analogue of the original's generic per-market-name
// parser, reused across GetGems, MRKT, and any other marketplace that
// TonAPI's sale data already tags but that has no dedicated direct parser.
package virtual

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giftscan/internal/market"
)

// Upstream is the shared bulk source virtual adapters filter — in
// practice the tonapi adapter, since TonAPI's sale data already carries a
// per-observation marketplace tag. The upstream supplies the raw per-item
// listing set; every derived view (per-market price maps, the scanner's
// reconciliation feed) is computed from that one fetch.
type Upstream interface {
	FetchListings(ctx context.Context) ([]market.Observation, error)
}

// SharedCache fetches Upstream at most once per TTL and serves every
// Adapter built on top of it from the same cached listing set, so N
// virtual marketplaces plus the reconciler cost one upstream call per
// tick instead of N+1.
type SharedCache struct {
	upstream Upstream
	ttl      time.Duration

	mu        sync.Mutex
	items     []market.Observation
	fetchedAt time.Time
}

// NewSharedCache builds a cache over upstream with the given TTL (the scan
// interval plus a margin, so a cache hit always covers the current tick).
func NewSharedCache(upstream Upstream, ttl time.Duration) *SharedCache {
	return &SharedCache{upstream: upstream, ttl: ttl}
}

// FetchListings returns the cached raw per-item listing set, refetching
// from the upstream when the TTL has lapsed. Each item keeps its own
// native id — this is the feed the scanner hands to reconciliation.
func (c *SharedCache) FetchListings(ctx context.Context) ([]market.Observation, error) {
	c.mu.Lock()
	if c.items != nil && time.Since(c.fetchedAt) < c.ttl {
		items := c.items
		c.mu.Unlock()
		return items, nil
	}
	c.mu.Unlock()

	items, err := c.upstream.FetchListings(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items = items
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return items, nil
}

// Adapter exposes one marketplace tag's slice of a SharedCache's upstream
// listing set as a standalone market.Adapter.
type Adapter struct {
	marketName string
	cache      *SharedCache
}

// New builds a virtual adapter for marketName, backed by cache.
func New(marketName string, cache *SharedCache) *Adapter {
	return &Adapter{marketName: marketName, cache: cache}
}

func (a *Adapter) SourceName() string { return a.marketName }
func (a *Adapter) SupportsBulk() bool { return true }

// FetchAll returns the cheapest listing per slug carrying this adapter's
// marketplace tag.
func (a *Adapter) FetchAll(ctx context.Context) (map[string]market.Observation, error) {
	items, err := a.cache.FetchListings(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]market.Observation)
	for _, obs := range items {
		if obs.Source != a.marketName {
			continue
		}
		existing, ok := out[obs.Slug]
		if !ok || obs.Price.LessThan(existing.Price) {
			out[obs.Slug] = obs
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("virtual(%s): %w", a.marketName, market.ErrEmpty)
	}
	return out, nil
}

func (a *Adapter) FetchOne(ctx context.Context, slug string) (market.Observation, error) {
	all, err := a.FetchAll(ctx)
	if err != nil {
		return market.Observation{}, err
	}
	obs, ok := all[slug]
	if !ok {
		return market.Observation{}, fmt.Errorf("virtual(%s): %w", a.marketName, market.ErrEmpty)
	}
	return obs, nil
}
