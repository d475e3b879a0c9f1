package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/alert"
	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/opportunity"
)

func strp(s string) *string { return &s }

type fakeCatalog struct {
	slugs []string
	names map[string]string
}

func (f *fakeCatalog) ListSlugs(ctx context.Context) ([]string, error) { return f.slugs, nil }
func (f *fakeCatalog) Names(ctx context.Context) (map[string]string, error) {
	return f.names, nil
}

type fakeAdapter struct {
	name    string
	bulk    bool
	all     map[string]market.Observation
	one     map[string]market.Observation
	allErr  error
	fetches int
}

func (f *fakeAdapter) SourceName() string { return f.name }
func (f *fakeAdapter) SupportsBulk() bool { return f.bulk }

func (f *fakeAdapter) FetchAll(ctx context.Context) (map[string]market.Observation, error) {
	f.fetches++
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.all, nil
}

func (f *fakeAdapter) FetchOne(ctx context.Context, slug string) (market.Observation, error) {
	f.fetches++
	obs, ok := f.one[slug]
	if !ok {
		return market.Observation{}, fmt.Errorf("%s: %w", f.name, market.ErrEmpty)
	}
	return obs, nil
}

type fakePersister struct {
	snapshots []model.Snapshot
	observed  map[string]market.Observation
	now       time.Time
	calls     int
	err       error
}

func (f *fakePersister) PersistTick(ctx context.Context, snapshots []model.Snapshot, observed map[string]market.Observation, now time.Time) (int, error) {
	f.calls++
	f.snapshots = snapshots
	f.observed = observed
	f.now = now
	return 0, f.err
}

type fakeFeed struct {
	items []market.Observation
	err   error
}

func (f *fakeFeed) FetchListings(ctx context.Context) ([]market.Observation, error) {
	return f.items, f.err
}

type fakeDetector struct{ opps []opportunity.Opportunity }

func (f *fakeDetector) Scan(ctx context.Context) ([]opportunity.Opportunity, error) {
	return f.opps, nil
}

type fakeCollector struct {
	deals   []alert.Deal
	flushed int
}

func (f *fakeCollector) Collect(d alert.Deal)            { f.deals = append(f.deals, d) }
func (f *fakeCollector) Flush(ctx context.Context) error { f.flushed++; return nil }

func obs(source, slug, nativeID string, price int64) market.Observation {
	o := market.Observation{
		Source:   source,
		Slug:     slug,
		Price:    decimal.NewFromInt(price),
		Currency: model.CurrencyTON,
	}
	if nativeID != "" {
		o.NativeID = strp(nativeID)
	}
	return o
}

func newTestScanner(deps Deps) *Scanner {
	if deps.Interval == 0 {
		deps.Interval = time.Minute
	}
	return New(deps)
}

func TestTick_PersistsKnownSlugsWithSharedTimestamp(t *testing.T) {
	catalog := &fakeCatalog{slugs: []string{"plushpepe", "snoopdogg"}, names: map[string]string{}}
	bulk := &fakeAdapter{name: "GetGems", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("GetGems", "plushpepe", "id1", 80),
		"mystery":   obs("GetGems", "mystery", "id2", 50), // not in catalog
	}}
	perItem := &fakeAdapter{name: "Fragment", one: map[string]market.Observation{
		"snoopdogg": obs("Fragment", "snoopdogg", "", 120),
	}}
	persister := &fakePersister{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk, perItem},
		Persister: persister,
	})

	now := time.Now().UTC()
	if err := s.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if persister.calls != 1 {
		t.Fatalf("PersistTick calls = %d, want 1", persister.calls)
	}
	if len(persister.snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2 (unknown slug dropped)", len(persister.snapshots))
	}
	for _, snap := range persister.snapshots {
		if snap.Slug == "mystery" {
			t.Errorf("unknown slug persisted: %+v", snap)
		}
		if !snap.ScannedAt.Equal(now) {
			t.Errorf("snapshot %s scanned_at = %v, want shared %v", snap.Slug, snap.ScannedAt, now)
		}
	}
}

func TestTick_BulkFailureIsNotFatal(t *testing.T) {
	catalog := &fakeCatalog{slugs: []string{"plushpepe"}, names: map[string]string{}}
	broken := &fakeAdapter{name: "GetGems", bulk: true, allErr: fmt.Errorf("getgems: %w", market.ErrEmpty)}
	working := &fakeAdapter{name: "MRKT", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("MRKT", "plushpepe", "id9", 70),
	}}
	persister := &fakePersister{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{broken, working},
		Persister: persister,
	})

	if err := s.tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(persister.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1 from the surviving adapter", len(persister.snapshots))
	}
	if persister.snapshots[0].Source != "MRKT" {
		t.Errorf("snapshot source = %s, want MRKT", persister.snapshots[0].Source)
	}
}

func TestTick_DropsNonPositivePrices(t *testing.T) {
	catalog := &fakeCatalog{slugs: []string{"plushpepe"}, names: map[string]string{}}
	bulk := &fakeAdapter{name: "GetGems", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("GetGems", "plushpepe", "id1", 0),
	}}
	persister := &fakePersister{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk},
		Persister: persister,
	})

	if err := s.tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(persister.snapshots) != 0 {
		t.Fatalf("snapshots = %d, want 0", len(persister.snapshots))
	}
}

func TestTick_PersistFailureAbortsTick(t *testing.T) {
	catalog := &fakeCatalog{slugs: []string{"plushpepe"}, names: map[string]string{}}
	bulk := &fakeAdapter{name: "GetGems", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("GetGems", "plushpepe", "id1", 80),
	}}
	persister := &fakePersister{err: errors.New("db unavailable")}
	collector := &fakeCollector{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk},
		Persister: persister,
		Detector:  &fakeDetector{},
		Alerts:    collector,
	})

	if err := s.tick(context.Background(), time.Now()); err == nil {
		t.Fatal("tick succeeded despite persist failure")
	}
	if collector.flushed != 0 {
		t.Errorf("alerter ran after a failed persist (flushed=%d)", collector.flushed)
	}
}

func TestTick_RoutesOpportunitiesToAlerter(t *testing.T) {
	catalog := &fakeCatalog{
		slugs: []string{"plushpepe"},
		names: map[string]string{"plushpepe": "Plush Pepe"},
	}
	bulk := &fakeAdapter{name: "GetGems", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("GetGems", "plushpepe", "id1", 65),
	}}
	detector := &fakeDetector{opps: []opportunity.Opportunity{{
		Kind:      opportunity.KindUndervalued,
		Slug:      "plushpepe",
		BuySource: "GetGems",
		BuyPrice:  decimal.NewFromInt(65),
		SellPrice: decimal.NewFromInt(100),
		Spread:    decimal.NewFromInt(35),
	}}}
	collector := &fakeCollector{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk},
		Persister: &fakePersister{},
		Detector:  detector,
		Alerts:    collector,
	})

	if err := s.tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if collector.flushed != 1 {
		t.Fatalf("flushed = %d, want 1", collector.flushed)
	}
	if len(collector.deals) != 1 {
		t.Fatalf("deals = %d, want 1", len(collector.deals))
	}
	deal := collector.deals[0]
	if deal.GiftName != "Plush Pepe" {
		t.Errorf("deal gift name = %q, want %q", deal.GiftName, "Plush Pepe")
	}
	if got := deal.AllPrices["GetGems"]; !got.Equal(decimal.NewFromInt(65)) {
		t.Errorf("deal prices[GetGems] = %v, want 65", got)
	}
}

func TestTick_FeedKeepsEveryNativeIDPerSlug(t *testing.T) {
	// Three concurrent listings of one gift, each its own physical item.
	// All three native ids must reach reconciliation — collapsing to the
	// cheapest would fake a sale every time the floor rotates to a
	// different item.
	catalog := &fakeCatalog{slugs: []string{"plushpepe"}, names: map[string]string{}}
	bulk := &fakeAdapter{name: "GetGems", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("GetGems", "plushpepe", "id2", 80),
	}}
	feed := &fakeFeed{items: []market.Observation{
		obs("GetGems", "plushpepe", "id1", 100),
		obs("GetGems", "plushpepe", "id2", 80),
		obs("MRKT", "plushpepe", "id3", 120),
		obs("MRKT", "unknownslug", "id4", 10),
		obs("GetGems", "plushpepe", "", 90), // no native id, cannot reconcile
	}}
	persister := &fakePersister{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk},
		Feed:      feed,
		Persister: persister,
	})

	if err := s.tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(persister.observed) != 3 {
		t.Fatalf("observed = %d items, want 3 (all native ids for the known slug)", len(persister.observed))
	}
	for _, id := range []string{"id1", "id2", "id3"} {
		item, ok := persister.observed[id]
		if !ok {
			t.Errorf("native id %s missing from the reconciliation feed", id)
			continue
		}
		if item.NativeID == nil || *item.NativeID != id {
			t.Errorf("feed entry %s carries native id %v", id, item.NativeID)
		}
	}
	if _, ok := persister.observed["id4"]; ok {
		t.Error("unknown slug's item leaked into the reconciliation feed")
	}

	// The snapshot side still gets the collapsed per-slug price view.
	if len(persister.snapshots) != 1 {
		t.Errorf("snapshots = %d, want 1 collapsed price row", len(persister.snapshots))
	}
}

func TestTick_FeedFailureSkipsReconciliation(t *testing.T) {
	catalog := &fakeCatalog{slugs: []string{"plushpepe"}, names: map[string]string{}}
	bulk := &fakeAdapter{name: "GetGems", bulk: true, all: map[string]market.Observation{
		"plushpepe": obs("GetGems", "plushpepe", "id1", 80),
	}}
	feed := &fakeFeed{err: fmt.Errorf("feed: %w", market.ErrTransient)}
	persister := &fakePersister{observed: map[string]market.Observation{}}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk},
		Feed:      feed,
		Persister: persister,
	})

	if err := s.tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if persister.observed != nil {
		t.Errorf("observed = %v, want nil to signal reconciliation skip", persister.observed)
	}
	if len(persister.snapshots) != 1 {
		t.Errorf("snapshots = %d, want 1 — prices still persist when the feed is down", len(persister.snapshots))
	}
}

type fakeConverter struct{}

func (fakeConverter) ToTON(ctx context.Context, amount decimal.Decimal, from model.Currency) (decimal.Decimal, error) {
	if from == model.CurrencyStars {
		return amount.Mul(decimal.NewFromFloat(0.013)), nil
	}
	return decimal.Zero, errors.New("no rate")
}

func TestTick_ConvertsStarsToTON(t *testing.T) {
	catalog := &fakeCatalog{slugs: []string{"plushpepe"}, names: map[string]string{}}
	starObs := obs("Portals", "plushpepe", "id1", 10000)
	starObs.Currency = model.CurrencyStars
	bulk := &fakeAdapter{name: "Portals", bulk: true, all: map[string]market.Observation{
		"plushpepe": starObs,
	}}
	persister := &fakePersister{}

	s := newTestScanner(Deps{
		Catalog:   catalog,
		Adapters:  []market.Adapter{bulk},
		Persister: persister,
		Converter: fakeConverter{},
	})

	if err := s.tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(persister.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(persister.snapshots))
	}
	snap := persister.snapshots[0]
	if snap.Currency != model.CurrencyTON {
		t.Errorf("currency = %s, want TON", snap.Currency)
	}
	if want := decimal.NewFromInt(130); !snap.Price.Equal(want) {
		t.Errorf("price = %v, want %v", snap.Price, want)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestScanner(Deps{
		Catalog:   &fakeCatalog{},
		Persister: &fakePersister{},
		Interval:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if s.TicksRun() == 0 {
		t.Error("no ticks ran before cancel")
	}
}
