// Package alert batches opportunities detected during a scan tick and
// routes a deduplicated summary to a notification sink.
package alert

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/opportunity"
)

// minDealsForSummary is the gate below which a scan's findings are logged
// but never pushed to the sink — a lone deal is too likely to be noise.
const minDealsForSummary = 3

// Sink delivers a pre-formatted summary to an external channel.
type Sink interface {
	SendSummary(ctx context.Context, html string) error
}

// Deal is one opportunity enriched with the display context (gift name,
// all known source prices) the formatter needs.
type Deal struct {
	Opportunity opportunity.Opportunity
	GiftName    string
	AllPrices   map[string]decimal.Decimal
	Attributes  model.Attributes
}

// Batcher collects deals across one scan tick, then emits a single summary
// for new, non-duplicate deals once the tick closes.
type Batcher struct {
	logger *log.Logger
	sink   Sink

	mu        sync.Mutex
	sent      map[string][2]decimal.Decimal
	current   []Deal
	alertCount int
}

// NewBatcher builds a Batcher that delivers summaries via sink. logger
// defaults to log.Default() when nil.
func NewBatcher(sink Sink, logger *log.Logger) *Batcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Batcher{
		logger: logger,
		sink:   sink,
		sent:   make(map[string][2]decimal.Decimal),
	}
}

// Collect appends a deal to the current tick's batch.
func (b *Batcher) Collect(d Deal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = append(b.current, d)
}

// Flush filters out deals already sent at the same price, logs every
// surviving deal, and — only when at least minDealsForSummary are new —
// sends one combined summary through the sink. The current batch is reset
// regardless of outcome.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	deals := b.current
	b.current = nil
	b.mu.Unlock()

	if len(deals) == 0 {
		return nil
	}

	var fresh []Deal
	for _, d := range deals {
		key := dedupKey(d.Opportunity)
		b.mu.Lock()
		prev, seen := b.sent[key]
		b.mu.Unlock()
		if seen && prev[0].Equal(d.Opportunity.BuyPrice) && prev[1].Equal(d.Opportunity.SellPrice) {
			continue
		}
		fresh = append(fresh, d)
	}

	// Undervalued findings lead the summary; everything else orders by
	// descending spread.
	sort.SliceStable(fresh, func(i, j int) bool {
		iu := fresh[i].Opportunity.Kind == opportunity.KindUndervalued
		ju := fresh[j].Opportunity.Kind == opportunity.KindUndervalued
		if iu != ju {
			return iu
		}
		return fresh[i].Opportunity.Spread.GreaterThan(fresh[j].Opportunity.Spread)
	})

	for _, d := range fresh {
		b.logger.Printf("opportunity: %s %s buy=%s@%v sell=%s@%v spread=%v",
			d.Opportunity.Kind, d.GiftName,
			d.Opportunity.BuySource, d.Opportunity.BuyPrice,
			d.Opportunity.SellSource, d.Opportunity.SellPrice,
			d.Opportunity.Spread)
	}

	if len(fresh) < minDealsForSummary {
		b.logger.Printf("only %d new deals this tick (need %d+), skipping summary", len(fresh), minDealsForSummary)
		return nil
	}

	if b.sink == nil {
		return nil
	}

	html := formatSummary(fresh)
	if err := b.sink.SendSummary(ctx, html); err != nil {
		b.logger.Printf("failed to send opportunity summary: %v", err)
		return err
	}

	b.mu.Lock()
	for _, d := range fresh {
		b.sent[dedupKey(d.Opportunity)] = [2]decimal.Decimal{d.Opportunity.BuyPrice, d.Opportunity.SellPrice}
	}
	b.alertCount += len(fresh)
	b.mu.Unlock()

	return nil
}

// AlertCount reports the total number of deals ever delivered through the
// sink, across the Batcher's lifetime.
func (b *Batcher) AlertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alertCount
}

// ResetSentDeals clears the dedup table, e.g. on a daily schedule.
func (b *Batcher) ResetSentDeals() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = make(map[string][2]decimal.Decimal)
}

func dedupKey(o opportunity.Opportunity) string {
	id := ""
	if o.NativeID != nil {
		id = *o.NativeID
	}
	return string(o.Kind) + ":" + o.Slug + ":" + o.BuySource + ":" + o.SellSource + ":" + id
}
