// Package scan drives the whole pipeline: every tick it polls all
// marketplace adapters, persists snapshots, reconciles listings into sales,
// runs the opportunity detectors, and flushes alerts.
package scan

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/giftscan/internal/alert"
	"github.com/giftscan/internal/lock"
	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/opportunity"
	"github.com/giftscan/internal/ratelimit"
	"github.com/giftscan/internal/reconcile"
	"github.com/giftscan/internal/store"
)

// CatalogReader supplies the known slug set and display names.
type CatalogReader interface {
	ListSlugs(ctx context.Context) ([]string, error)
	Names(ctx context.Context) (map[string]string, error)
}

// Persister writes one tick's snapshots and reconciles the listing set in a
// single atomic unit, so a cancel or DB failure between the two steps can
// never leave sales half-recorded.
type Persister interface {
	PersistTick(ctx context.Context, snapshots []model.Snapshot, observed map[string]market.Observation, now time.Time) (newSales int, err error)
}

// ListingFeed supplies the full per-item active listing set — one
// observation per marketplace-native item id, several per slug when a gift
// has market depth. This is the reconciler's input; the per-slug price
// maps the adapters return for snapshots are collapsed views and must
// never stand in for it.
type ListingFeed interface {
	FetchListings(ctx context.Context) ([]market.Observation, error)
}

// OpportunitySource is the regular (arbitrage/undervalued) detector.
type OpportunitySource interface {
	Scan(ctx context.Context) ([]opportunity.Opportunity, error)
}

// Collector receives deals during a tick and flushes them once it closes.
type Collector interface {
	Collect(d alert.Deal)
	Flush(ctx context.Context) error
}

// DigestSender fires the periodic digest when its interval has elapsed.
type DigestSender interface {
	SendIfDue(ctx context.Context, now time.Time) (sent bool, err error)
}

// Invalidator clears the read-side cache namespace after a successful tick.
type Invalidator interface {
	Invalidate(ctx context.Context, namespace string) error
}

// Converter normalizes non-TON observation prices before comparison.
type Converter interface {
	ToTON(ctx context.Context, amount decimal.Decimal, from model.Currency) (decimal.Decimal, error)
}

// CacheNamespace is the read-side cache prefix invalidated after each tick.
const CacheNamespace = "giftscan:read"

// perItemConcurrency bounds the per-item fan-out inside one tick. The
// per-source and global limits still apply underneath via the limiter.
const perItemConcurrency = 8

// Deps collects everything a Scanner needs. Catalog and Persister are
// required; every other dependency is optional and the step it drives is
// skipped when it is nil (Logger and Interval fall back to defaults).
// Constructed once in main, never mutated afterwards.
type Deps struct {
	Catalog   CatalogReader
	Adapters  []market.Adapter
	Feed      ListingFeed
	Persister Persister
	Detector  OpportunitySource
	Rare      *opportunity.RareAtFloorScanner
	Listings  opportunity.ListingsBySlug
	Median    opportunity.MedianSaleLookup
	Alerts    Collector
	Digest    DigestSender
	Cache     Invalidator
	Converter Converter
	Interval  time.Duration
	Retry     ratelimit.RetryConfig
	Logger    *log.Logger

	// Lock, when set, serializes ticks across accidentally-duplicated
	// scanner processes sharing one database. Optional: a single-instance
	// deployment runs fine without it.
	Lock *lock.RedisLocker
}

// Scanner runs the scan/reconcile/analyze pipeline on a fixed interval.
// Ticks never overlap: the tick body runs synchronously inside the loop.
type Scanner struct {
	deps Deps

	mu           sync.Mutex
	ticksRun     int
	overrunCount int
	lastTickTook time.Duration
}

// New builds a Scanner from its dependency set.
func New(deps Deps) *Scanner {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = 30 * time.Second
	}
	return &Scanner{deps: deps}
}

// Run loops until ctx is canceled. If a tick overruns the interval the next
// ticker fire is already pending, so the following tick starts immediately
// and the overrun gauge is incremented.
func (s *Scanner) Run(ctx context.Context) {
	s.deps.Logger.Printf("scanner: starting, interval %s, %d adapters", s.deps.Interval, len(s.deps.Adapters))

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Printf("scanner: context canceled, stopping")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick guards one tick so a panic in any downstream component never
// kills the scan loop.
func (s *Scanner) runTick(ctx context.Context) {
	s.mu.Lock()
	s.ticksRun++
	tickNum := s.ticksRun
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.deps.Logger.Printf("scanner: tick %d panicked: %v", tickNum, p)
		}
		took := time.Since(start)
		s.mu.Lock()
		s.lastTickTook = took
		if took > s.deps.Interval {
			s.overrunCount++
		}
		s.mu.Unlock()
	}()

	if s.deps.Lock != nil {
		lease, err := s.deps.Lock.AcquireTick(ctx, s.deps.Interval)
		if err != nil {
			if err == lock.ErrLockNotAcquired {
				s.deps.Logger.Printf("scanner: tick %d skipped, another scanner holds the tick lock", tickNum)
			} else {
				s.deps.Logger.Printf("scanner: tick %d lock error: %v", tickNum, err)
			}
			return
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				s.deps.Logger.Printf("scanner: releasing tick lock: %v", err)
			}
		}()
	}

	if err := s.tick(ctx, time.Now().UTC()); err != nil {
		s.deps.Logger.Printf("scanner: tick %d failed: %v", tickNum, err)
	}
}

func (s *Scanner) tick(ctx context.Context, now time.Time) error {
	slugs, err := s.deps.Catalog.ListSlugs(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	known := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		known[slug] = true
	}

	observations := s.fetchAll(ctx, slugs)
	observations = s.convertCurrencies(ctx, observations)

	snapshots := make([]model.Snapshot, 0, len(observations))
	for _, obs := range observations {
		if !known[obs.Slug] || obs.Price.Sign() <= 0 {
			continue
		}
		snapshots = append(snapshots, model.Snapshot{
			Slug:       obs.Slug,
			Source:     obs.Source,
			Price:      obs.Price,
			Currency:   obs.Currency,
			ScannedAt:  now,
			NativeID:   obs.NativeID,
			Serial:     obs.Serial,
			Attributes: obs.Attributes,
		})
	}

	observed := s.fetchListingSet(ctx, known)

	newSales, err := s.deps.Persister.PersistTick(ctx, snapshots, observed, now)
	if err != nil {
		return fmt.Errorf("persist tick: %w", err)
	}
	s.deps.Logger.Printf("scanner: %d observations, %d new sales", len(snapshots), newSales)

	s.analyze(ctx, slugs, observations, now)

	if s.deps.Digest != nil {
		if _, err := s.deps.Digest.SendIfDue(ctx, now); err != nil {
			s.deps.Logger.Printf("scanner: digest failed: %v", err)
		}
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Invalidate(ctx, CacheNamespace); err != nil {
			s.deps.Logger.Printf("scanner: cache invalidation failed: %v", err)
		}
	}

	return nil
}

// fetchListingSet builds the reconciler's input from the listing feed:
// every individually-listed item for a known slug, keyed by native id. A
// nil return means the feed was absent or failed this tick and listing
// reconciliation must be skipped — reconciling against nothing would read
// as every active listing having sold at once.
func (s *Scanner) fetchListingSet(ctx context.Context, known map[string]bool) map[string]market.Observation {
	if s.deps.Feed == nil {
		return nil
	}

	items, err := s.deps.Feed.FetchListings(ctx)
	if err != nil {
		s.deps.Logger.Printf("scanner: listing feed failed, skipping reconciliation this tick: %v", err)
		return nil
	}
	items = s.convertCurrencies(ctx, items)

	observed := make(map[string]market.Observation, len(items))
	for _, item := range items {
		if item.NativeID == nil || !known[item.Slug] || item.Price.Sign() <= 0 {
			continue
		}
		observed[*item.NativeID] = item
	}
	return observed
}

// fetchAll drives every adapter: bulk adapters get one FetchAll each, the
// rest are fanned out per slug under a bounded worker pool. Any individual
// failure is logged and treated as absent, never fatal for the tick.
func (s *Scanner) fetchAll(ctx context.Context, slugs []string) []market.Observation {
	var bulk, perItem []market.Adapter
	for _, a := range s.deps.Adapters {
		if a.SupportsBulk() {
			bulk = append(bulk, a)
		} else {
			perItem = append(perItem, a)
		}
	}

	var mu sync.Mutex
	var out []market.Observation

	for _, a := range bulk {
		var result map[string]market.Observation
		err := ratelimit.Retry(ctx, s.retryConfig(), func() error {
			var ferr error
			result, ferr = a.FetchAll(ctx)
			return ferr
		})
		if err != nil {
			s.deps.Logger.Printf("scanner: %s bulk fetch failed: %v", a.SourceName(), err)
			continue
		}
		for _, obs := range result {
			out = append(out, obs)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(perItemConcurrency)
	for _, a := range perItem {
		for _, slug := range slugs {
			a, slug := a, slug
			g.Go(func() error {
				var obs market.Observation
				err := ratelimit.Retry(gctx, s.retryConfig(), func() error {
					var ferr error
					obs, ferr = a.FetchOne(gctx, slug)
					return ferr
				})
				if err != nil {
					// Absent entry; empty results are routine for per-item
					// sources that don't list every gift.
					return nil
				}
				mu.Lock()
				out = append(out, obs)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	return out
}

func (s *Scanner) retryConfig() ratelimit.RetryConfig {
	cfg := s.deps.Retry
	if cfg.MaxAttempts <= 0 {
		cfg = ratelimit.DefaultRetryConfig()
	}
	if cfg.IsFatal == nil {
		cfg.IsFatal = func(err error) bool {
			return market.IsFatal(err)
		}
	}
	return cfg
}

// convertCurrencies rewrites non-TON observation prices into TON so every
// downstream comparison runs in one unit. A conversion failure keeps the
// observation out of the tick rather than comparing mixed currencies.
func (s *Scanner) convertCurrencies(ctx context.Context, observations []market.Observation) []market.Observation {
	if s.deps.Converter == nil {
		return observations
	}

	// Never filter in place: the input may be a shared cached slice (the
	// listing feed hands out the same backing array to every consumer).
	out := make([]market.Observation, 0, len(observations))
	for _, obs := range observations {
		if obs.Currency == model.CurrencyTON {
			out = append(out, obs)
			continue
		}
		converted, err := s.deps.Converter.ToTON(ctx, obs.Price, obs.Currency)
		if err != nil {
			s.deps.Logger.Printf("scanner: dropping %s/%s: cannot convert %s to TON: %v",
				obs.Source, obs.Slug, obs.Currency, err)
			continue
		}
		obs.Price = converted
		obs.Currency = model.CurrencyTON
		out = append(out, obs)
	}
	return out
}

// analyze runs both detectors over the fresh tick and feeds the alerter.
// Detector failures are logged and never abort the tick — the snapshots and
// sales are already committed by the time this runs.
func (s *Scanner) analyze(ctx context.Context, slugs []string, observations []market.Observation, now time.Time) {
	if s.deps.Alerts == nil {
		return
	}

	names, err := s.deps.Catalog.Names(ctx)
	if err != nil {
		s.deps.Logger.Printf("scanner: loading names for alerts: %v", err)
		names = map[string]string{}
	}

	pricesBySlug := make(map[string]map[string]decimal.Decimal)
	attrsBySlugSource := make(map[string]model.Attributes)
	for _, obs := range observations {
		if pricesBySlug[obs.Slug] == nil {
			pricesBySlug[obs.Slug] = make(map[string]decimal.Decimal)
		}
		pricesBySlug[obs.Slug][obs.Source] = obs.Price
		attrsBySlugSource[obs.Slug+":"+obs.Source] = obs.Attributes
	}

	var found []opportunity.Opportunity
	if s.deps.Detector != nil {
		opps, err := s.deps.Detector.Scan(ctx)
		if err != nil {
			s.deps.Logger.Printf("scanner: opportunity detection failed: %v", err)
		} else {
			found = append(found, opps...)
		}
	}

	if s.deps.Rare != nil && s.deps.Listings != nil && s.deps.Median != nil {
		rare, err := s.deps.Rare.Scan(ctx, slugs, s.deps.Listings, s.deps.Median, now)
		if err != nil {
			s.deps.Logger.Printf("scanner: rare-at-floor detection failed: %v", err)
		} else {
			found = append(found, rare...)
		}
	}

	for _, opp := range found {
		name := names[opp.Slug]
		if name == "" {
			name = opp.Slug
		}
		s.deps.Alerts.Collect(alert.Deal{
			Opportunity: opp,
			GiftName:    name,
			AllPrices:   pricesBySlug[opp.Slug],
			Attributes:  attrsBySlugSource[opp.Slug+":"+opp.BuySource],
		})
	}

	if err := s.deps.Alerts.Flush(ctx); err != nil {
		s.deps.Logger.Printf("scanner: alert flush failed: %v", err)
	}
}

// TicksRun reports how many ticks have started since construction.
func (s *Scanner) TicksRun() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticksRun
}

// OverrunCount reports how many ticks took longer than the interval.
func (s *Scanner) OverrunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrunCount
}

// DBPersister is the production Persister: snapshot insert and listing
// reconciliation share one transaction.
type DBPersister struct {
	db         *store.DB
	snapshots  *store.SnapshotStore
	reconciler *reconcile.Reconciler
}

// NewDBPersister wires the snapshot store and reconciler under one DB.
func NewDBPersister(db *store.DB, snapshots *store.SnapshotStore, reconciler *reconcile.Reconciler) *DBPersister {
	return &DBPersister{db: db, snapshots: snapshots, reconciler: reconciler}
}

// PersistTick writes the tick's snapshots and reconciles listings
// atomically; a failure in either rolls back both. A nil observed set
// means the listing feed produced nothing this tick, so only snapshots
// are written — an empty (non-nil) set still reconciles, since genuinely
// zero active listings is a valid market state.
func (p *DBPersister) PersistTick(ctx context.Context, snapshots []model.Snapshot, observed map[string]market.Observation, now time.Time) (newSales int, err error) {
	err = p.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.snapshots.InsertBatchTx(ctx, tx, snapshots); err != nil {
			return err
		}
		if observed == nil {
			return nil
		}
		var serr error
		newSales, serr = p.reconciler.SyncTx(ctx, tx, observed, now)
		return serr
	})
	return newSales, err
}
