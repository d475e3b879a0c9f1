package virtual

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/market"
)

func strp(s string) *string { return &s }

type fakeUpstream struct {
	calls int
	items []market.Observation
}

func (f *fakeUpstream) FetchListings(ctx context.Context) ([]market.Observation, error) {
	f.calls++
	return f.items, nil
}

func TestSharedCache_OneUpstreamCallServesMultipleAdapters(t *testing.T) {
	up := &fakeUpstream{items: []market.Observation{
		{Slug: "plushpepe", Source: "GetGems", Price: decimal.NewFromInt(100), NativeID: strp("id1")},
		{Slug: "lollipop", Source: "MRKT", Price: decimal.NewFromInt(50), NativeID: strp("id2")},
	}}
	cache := NewSharedCache(up, time.Minute)

	getgems := New("GetGems", cache)
	mrkt := New("MRKT", cache)

	gg, err := getgems.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("getgems FetchAll: %v", err)
	}
	if _, ok := gg["plushpepe"]; !ok {
		t.Error("expected GetGems adapter to see plushpepe")
	}
	if _, ok := gg["lollipop"]; ok {
		t.Error("expected GetGems adapter to filter out MRKT's lollipop")
	}

	if _, err := mrkt.FetchAll(context.Background()); err != nil {
		t.Fatalf("mrkt FetchAll: %v", err)
	}

	if up.calls != 1 {
		t.Errorf("upstream called %d times, want 1 (shared cache)", up.calls)
	}
}

func TestSharedCache_FetchListingsKeepsEveryItem(t *testing.T) {
	// Three concurrent listings of the same gift: the raw feed must keep
	// all three native ids even though FetchAll collapses them to one.
	up := &fakeUpstream{items: []market.Observation{
		{Slug: "plushpepe", Source: "GetGems", Price: decimal.NewFromInt(100), NativeID: strp("id1")},
		{Slug: "plushpepe", Source: "GetGems", Price: decimal.NewFromInt(80), NativeID: strp("id2")},
		{Slug: "plushpepe", Source: "GetGems", Price: decimal.NewFromInt(120), NativeID: strp("id3")},
	}}
	cache := NewSharedCache(up, time.Minute)

	items, err := cache.FetchListings(context.Background())
	if err != nil {
		t.Fatalf("FetchListings: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("raw feed has %d items, want 3", len(items))
	}

	all, err := New("GetGems", cache).FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("price view has %d entries, want 1 collapsed slug", len(all))
	}
	if got := all["plushpepe"]; *got.NativeID != "id2" || !got.Price.Equal(decimal.NewFromInt(80)) {
		t.Errorf("price view kept %s@%v, want cheapest id2@80", *got.NativeID, got.Price)
	}

	if up.calls != 1 {
		t.Errorf("upstream called %d times, want 1 for both views", up.calls)
	}
}

func TestSharedCache_RefetchesAfterTTL(t *testing.T) {
	up := &fakeUpstream{items: []market.Observation{
		{Slug: "plushpepe", Source: "GetGems", Price: decimal.NewFromInt(100), NativeID: strp("id1")},
	}}
	cache := NewSharedCache(up, time.Millisecond)
	a := New("GetGems", cache)

	if _, err := a.FetchAll(context.Background()); err != nil {
		t.Fatalf("first FetchAll: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := a.FetchAll(context.Background()); err != nil {
		t.Fatalf("second FetchAll: %v", err)
	}

	if up.calls != 2 {
		t.Errorf("upstream called %d times, want 2 after TTL expiry", up.calls)
	}
}
