// Package reconcile diffs the set of currently-observed listings against the
// stored active-listing set and turns disappearances into sales.
package reconcile

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/store"
	"github.com/giftscan/internal/valuation"
)

// saleDedupWindow is the re-run safety window: a native id that already has
// a recorded sale within this window is never sold again.
const saleDedupWindow = time.Hour

// Diff is the pure result of comparing the active set A against the inbound
// observation set I. It never touches the database — only the Reconciler
// methods below do — which makes the set algebra independently testable.
type Diff struct {
	ToMarkSold []SoldItem          // A \ I, price was positive, no recent sale
	ToUpdate   []UpdatedItem       // A ∩ I
	ToInsert   []model.Listing     // I \ A
}

// SoldItem is a disappeared listing that should be closed out with a Sale
// row inheriting its prior rarity tier and price — never the fresh
// observation's, because there is no fresh observation for a sold item.
type SoldItem struct {
	NativeID    string
	Slug        string
	Serial      *int
	Tier        model.RarityTier
	Price       decimal.Decimal
	Marketplace string
}

// UpdatedItem is a listing observed again this tick; only its last-seen
// timestamp and price move.
type UpdatedItem struct {
	NativeID string
	Price    decimal.Decimal
}

// Compute builds the Diff for one tick. skipSale reports whether a native id
// already has a sale recorded within the dedup window (the caller checks the
// DB for this since it requires the current transaction).
func Compute(active map[string]model.Listing, observed map[string]market.Observation, now time.Time, skipSale func(nativeID string) bool) Diff {
	var d Diff

	for id, listing := range active {
		obs, stillPresent := matchingObservation(observed, id)
		if stillPresent {
			d.ToUpdate = append(d.ToUpdate, UpdatedItem{NativeID: id, Price: obs.Price})
			continue
		}
		if listing.Price.Sign() <= 0 {
			continue
		}
		if skipSale != nil && skipSale(id) {
			continue
		}
		d.ToMarkSold = append(d.ToMarkSold, SoldItem{
			NativeID:    id,
			Slug:        listing.Slug,
			Serial:      listing.Serial,
			Tier:        listing.Tier,
			Price:       listing.Price,
			Marketplace: listing.Marketplace,
		})
	}

	for id, obs := range observed {
		if obs.NativeID == nil || *obs.NativeID != id {
			continue
		}
		if _, isActive := active[id]; isActive {
			continue
		}
		d.ToInsert = append(d.ToInsert, model.Listing{
			NativeID:    id,
			Slug:        obs.Slug,
			Serial:      obs.Serial,
			Tier:        valuation.Tier(obs.Serial, obs.Attributes),
			Price:       obs.Price,
			Marketplace: obs.Source,
			Attributes:  obs.Attributes,
			FirstSeenAt: now,
			LastSeenAt:  now,
		})
	}

	return d
}

func matchingObservation(observed map[string]market.Observation, nativeID string) (market.Observation, bool) {
	obs, ok := observed[nativeID]
	if !ok {
		return market.Observation{}, false
	}
	if obs.NativeID == nil || *obs.NativeID != nativeID {
		return market.Observation{}, false
	}
	return obs, true
}

// Reconciler wires Compute's pure diff to the persistence layer, running the
// whole tick's reconciliation inside one transaction so a DB failure never
// leaves a half-recorded sale.
type Reconciler struct {
	db        *store.DB
	listings  *store.ListingStore
	sales     *store.SaleStore
}

// NewReconciler builds a Reconciler over the given stores.
func NewReconciler(db *store.DB, listings *store.ListingStore, sales *store.SaleStore) *Reconciler {
	return &Reconciler{db: db, listings: listings, sales: sales}
}

// Sync reconciles one tick's inbound observations against the active
// listing set, keyed by observation.NativeID (observations without a native
// id cannot be reconciled against listing identity and are ignored here —
// they still contribute snapshot rows upstream in the scanner). It opens
// its own transaction; callers that already hold one use SyncTx so the
// snapshot write and the reconciliation abort as a unit.
func (r *Reconciler) Sync(ctx context.Context, observed map[string]market.Observation, now time.Time) (newSales int, err error) {
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		newSales, err = r.SyncTx(ctx, tx, observed, now)
		return err
	})
	return newSales, err
}

// SyncTx runs the full reconciliation inside the caller's transaction.
func (r *Reconciler) SyncTx(ctx context.Context, tx *sql.Tx, observed map[string]market.Observation, now time.Time) (newSales int, err error) {
	byNativeID := make(map[string]market.Observation, len(observed))
	for _, obs := range observed {
		if obs.NativeID != nil {
			byNativeID[*obs.NativeID] = obs
		}
	}

	active, err := r.listings.ListActiveForUpdateTx(ctx, tx)
	if err != nil {
		return 0, err
	}

	diff := Compute(active, byNativeID, now, func(nativeID string) bool {
		exists, err := r.sales.ExistsSinceTx(ctx, tx, nativeID, now.Add(-saleDedupWindow))
		if err != nil {
			return true // fail closed: never double-record a sale on error
		}
		return exists
	})

	for _, sold := range diff.ToMarkSold {
		if err := r.listings.MarkSoldTx(ctx, tx, sold.NativeID, now); err != nil {
			return newSales, err
		}
		if err := r.sales.InsertTx(ctx, tx, model.Sale{
			Slug:        sold.Slug,
			NativeID:    sold.NativeID,
			Serial:      sold.Serial,
			Tier:        sold.Tier,
			Price:       sold.Price,
			Marketplace: sold.Marketplace,
			DetectedAt:  now,
		}); err != nil {
			return newSales, err
		}
		newSales++
	}

	for _, upd := range diff.ToUpdate {
		if err := r.listings.UpdateSeenAndPriceTx(ctx, tx, upd.NativeID, now, upd.Price); err != nil {
			return newSales, err
		}
	}

	for _, ins := range diff.ToInsert {
		if err := r.listings.InsertTx(ctx, tx, ins); err != nil {
			return newSales, err
		}
	}

	return newSales, nil
}
