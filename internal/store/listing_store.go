package store

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// ListingStore persists currently (and formerly) active listings, one row
// per marketplace-native item identifier.
type ListingStore struct {
	db *sql.DB
}

// NewListingStore creates a new ListingStore.
func NewListingStore(db *sql.DB) *ListingStore {
	return &ListingStore{db: db}
}

// InitSchema ensures the listing table exists: PK native id, indexed by
// slug, indexed by sold_at.
func (s *ListingStore) InitSchema(ctx context.Context) error {
	content, err := os.ReadFile("sql/create_listing_table.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(content))
	return err
}

// ListActiveForUpdateTx loads every row with sold_at IS NULL, locking them
// for update within the caller's transaction so the reconciler's diff-and-
// write step is atomic.
func (s *ListingStore) ListActiveForUpdateTx(ctx context.Context, tx *sql.Tx) (map[string]model.Listing, error) {
	const q = `
SELECT native_id, slug, serial_number, rarity_tier, price, marketplace,
       attributes, first_seen_at, last_seen_at
FROM listing WHERE sold_at IS NULL FOR UPDATE`

	listings, err := queryListings(ctx, tx, q)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Listing, len(listings))
	for _, l := range listings {
		out[l.NativeID] = l
	}
	return out, nil
}

// queryListings runs a listing SELECT against either the pool or a
// transaction and scans the standard nine-column row shape.
func queryListings(ctx context.Context, q sqlExecutor, query string, args ...any) ([]model.Listing, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (model.Listing, error) {
	var l model.Listing
	var serial sql.NullInt64
	var priceRaw string
	var attrsRaw []byte

	if err := row.Scan(
		&l.NativeID, &l.Slug, &serial, &l.Tier, &priceRaw, &l.Marketplace,
		&attrsRaw, &l.FirstSeenAt, &l.LastSeenAt,
	); err != nil {
		return l, err
	}

	if serial.Valid {
		n := int(serial.Int64)
		l.Serial = &n
	}
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return l, err
	}
	l.Price = price

	attrs, err := unmarshalAttributes(attrsRaw)
	if err != nil {
		return l, err
	}
	l.Attributes = attrs
	return l, nil
}

// InsertTx inserts a brand-new active listing.
func (s *ListingStore) InsertTx(ctx context.Context, tx *sql.Tx, l model.Listing) error {
	const q = `
INSERT INTO listing (
  native_id, slug, serial_number, rarity_tier, price, marketplace,
  attributes, first_seen_at, last_seen_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	attrs, err := marshalAttributes(l.Attributes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, q,
		l.NativeID, l.Slug, l.Serial, l.Tier, l.Price.String(), l.Marketplace,
		attrs, l.FirstSeenAt, l.LastSeenAt,
	)
	return err
}

// UpdateSeenAndPriceTx bumps last_seen_at and the observed price for an
// item still present in the inbound scan.
func (s *ListingStore) UpdateSeenAndPriceTx(ctx context.Context, tx *sql.Tx, nativeID string, lastSeenAt time.Time, price decimal.Decimal) error {
	const q = `UPDATE listing SET last_seen_at = ?, price = ? WHERE native_id = ?`
	_, err := tx.ExecContext(ctx, q, lastSeenAt, price.String(), nativeID)
	return err
}

// MarkSoldTx sets sold_at on an active listing. sold_at is write-once: the
// reconciler never calls this twice for the same native id because it only
// considers ids currently in the active set.
func (s *ListingStore) MarkSoldTx(ctx context.Context, tx *sql.Tx, nativeID string, soldAt time.Time) error {
	const q = `UPDATE listing SET sold_at = ? WHERE native_id = ? AND sold_at IS NULL`
	_, err := tx.ExecContext(ctx, q, soldAt, nativeID)
	return err
}

// ActiveBySlug returns every currently-active listing for one gift slug,
// used by the rare-at-floor scanner and the digest builder.
func (s *ListingStore) ActiveBySlug(ctx context.Context, slug string) ([]model.Listing, error) {
	const q = `
SELECT native_id, slug, serial_number, rarity_tier, price, marketplace,
       attributes, first_seen_at, last_seen_at
FROM listing WHERE slug = ? AND sold_at IS NULL`

	return queryListings(ctx, s.db, q, slug)
}

// ActiveCountBySlug returns the count of currently-active listings per slug.
// The stats surface takes its active counts from InventoryBySlug instead.
func (s *ListingStore) ActiveCountBySlug(ctx context.Context) (map[string]int, error) {
	const q = `SELECT slug, COUNT(*) FROM listing WHERE sold_at IS NULL GROUP BY slug`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var slug string
		var n int
		if err := rows.Scan(&slug, &n); err != nil {
			return nil, err
		}
		out[slug] = n
	}
	return out, rows.Err()
}

// InventoryAgg is the per-slug active-listing floor/average the stats
// surface reports alongside the active count.
type InventoryAgg struct {
	ActiveListings int
	FloorPrice     *decimal.Decimal
	AvgPrice       *decimal.Decimal
}

// InventoryBySlug returns the active-listing count, floor, and average
// price per slug, used by the stats surface's current-inventory section.
func (s *ListingStore) InventoryBySlug(ctx context.Context) (map[string]InventoryAgg, error) {
	const q = `
SELECT slug, COUNT(*), MIN(price), AVG(price)
FROM listing WHERE sold_at IS NULL GROUP BY slug`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]InventoryAgg)
	for rows.Next() {
		var slug string
		var cnt int
		var floorRaw, avgRaw string
		if err := rows.Scan(&slug, &cnt, &floorRaw, &avgRaw); err != nil {
			return nil, err
		}
		floor, err := decimal.NewFromString(floorRaw)
		if err != nil {
			return nil, err
		}
		avg, err := decimal.NewFromString(avgRaw)
		if err != nil {
			return nil, err
		}
		out[slug] = InventoryAgg{ActiveListings: cnt, FloorPrice: &floor, AvgPrice: &avg}
	}
	return out, rows.Err()
}

// InventoryBySlugAndTier is the same aggregate segmented by rarity tier,
// used by the stats surface's per-tier rarity breakdown.
func (s *ListingStore) InventoryBySlugAndTier(ctx context.Context) (map[string]map[model.RarityTier]InventoryAgg, error) {
	const q = `
SELECT slug, rarity_tier, COUNT(*), MIN(price)
FROM listing WHERE sold_at IS NULL GROUP BY slug, rarity_tier`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[model.RarityTier]InventoryAgg)
	for rows.Next() {
		var slug string
		var tier model.RarityTier
		var cnt int
		var floorRaw string
		if err := rows.Scan(&slug, &tier, &cnt, &floorRaw); err != nil {
			return nil, err
		}
		floor, err := decimal.NewFromString(floorRaw)
		if err != nil {
			return nil, err
		}
		if out[slug] == nil {
			out[slug] = make(map[model.RarityTier]InventoryAgg)
		}
		out[slug][tier] = InventoryAgg{ActiveListings: cnt, FloorPrice: &floor}
	}
	return out, rows.Err()
}
