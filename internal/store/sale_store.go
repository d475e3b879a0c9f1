package store

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// SaleStore persists append-only sale records, indexed by
// (slug, tier, detected_at).
type SaleStore struct {
	db *sql.DB
}

// NewSaleStore creates a new SaleStore.
func NewSaleStore(db *sql.DB) *SaleStore {
	return &SaleStore{db: db}
}

// InitSchema ensures the sale table exists.
func (s *SaleStore) InitSchema(ctx context.Context) error {
	content, err := os.ReadFile("sql/create_sale_table.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(content))
	return err
}

// InsertTx records a new sale within the caller's transaction.
func (s *SaleStore) InsertTx(ctx context.Context, tx *sql.Tx, sale model.Sale) error {
	const q = `
INSERT INTO sale (slug, native_id, serial_number, rarity_tier, sale_price, marketplace, detected_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		sale.Slug, sale.NativeID, sale.Serial, sale.Tier, sale.Price.String(), sale.Marketplace, sale.DetectedAt,
	)
	return err
}

// ExistsSinceTx reports whether a sale for nativeID has been recorded at or
// after since, within the caller's transaction — the one-hour re-run safety
// window.
func (s *SaleStore) ExistsSinceTx(ctx context.Context, tx *sql.Tx, nativeID string, since time.Time) (bool, error) {
	const q = `SELECT 1 FROM sale WHERE native_id = ? AND detected_at >= ? LIMIT 1`
	var x int
	err := tx.QueryRowContext(ctx, q, nativeID, since).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PricesSinceAnyTier returns every sale price for a slug across all rarity
// tiers detected at or after since, newest first — the stats surface's 7d
// average/median input, which (unlike the opportunity detector) doesn't
// segment by tier.
func (s *SaleStore) PricesSinceAnyTier(ctx context.Context, slug string, since time.Time) ([]SaleRecord, error) {
	const q = `
SELECT sale_price, detected_at FROM sale
WHERE slug = ? AND detected_at >= ?
ORDER BY detected_at DESC`

	return querySaleRecords(ctx, s.db, q, slug, since)
}

// querySaleRecords runs a (sale_price, detected_at) SELECT against either
// the pool or a transaction.
func querySaleRecords(ctx context.Context, q sqlExecutor, query string, args ...any) ([]SaleRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SaleRecord
	for rows.Next() {
		var raw string
		var detectedAt time.Time
		if err := rows.Scan(&raw, &detectedAt); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, SaleRecord{Price: price, DetectedAt: detectedAt})
	}
	return out, rows.Err()
}

// LastSaleAt returns the most recent detected_at across every tier for a
// slug, or nil if the gift has never sold.
func (s *SaleStore) LastSaleAt(ctx context.Context, slug string) (*time.Time, error) {
	const q = `SELECT MAX(detected_at) FROM sale WHERE slug = ?`
	var ts sql.NullTime
	if err := s.db.QueryRowContext(ctx, q, slug).Scan(&ts); err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// PricesSince returns every sale price for a (slug, tier) pair detected at
// or after since, newest first — the raw input to fair-value statistics.
func (s *SaleStore) PricesSince(ctx context.Context, slug string, tier model.RarityTier, since time.Time) ([]SaleRecord, error) {
	const q = `
SELECT sale_price, detected_at FROM sale
WHERE slug = ? AND rarity_tier = ? AND detected_at >= ?
ORDER BY detected_at DESC`

	return querySaleRecords(ctx, s.db, q, slug, tier, since)
}

// RecentBySlugAndTiers returns the most recent sales across the given tiers
// since the cutoff, newest first, limited to `limit` rows — used by the
// digest's "recent rare sales" section.
func (s *SaleStore) RecentBySlugAndTiers(ctx context.Context, tiers []model.RarityTier, since time.Time, limit int) ([]model.Sale, error) {
	if len(tiers) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []any{}
	for i, t := range tiers {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, t)
	}
	args = append(args, since, limit)

	q := `
SELECT slug, native_id, serial_number, rarity_tier, sale_price, marketplace, detected_at
FROM sale
WHERE rarity_tier IN (` + placeholders + `) AND detected_at >= ?
ORDER BY detected_at DESC
LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Sale
	for rows.Next() {
		var sale model.Sale
		var serial sql.NullInt64
		var priceRaw string
		if err := rows.Scan(&sale.Slug, &sale.NativeID, &serial, &sale.Tier, &priceRaw, &sale.Marketplace, &sale.DetectedAt); err != nil {
			return nil, err
		}
		if serial.Valid {
			n := int(serial.Int64)
			sale.Serial = &n
		}
		price, err := decimal.NewFromString(priceRaw)
		if err != nil {
			return nil, err
		}
		sale.Price = price
		out = append(out, sale)
	}
	return out, rows.Err()
}

// CountSince returns the 7-day / 30-day style sale counts per slug, used by
// the stats 30-day sale count and the digest's 7-day sale count.
func (s *SaleStore) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	const q = `SELECT slug, COUNT(*) FROM sale WHERE detected_at >= ? GROUP BY slug`
	rows, err := s.db.QueryContext(ctx, q, since)
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

// SaleRecord is a lightweight (price, timestamp) pair used for statistics.
type SaleRecord struct {
	Price      decimal.Decimal
	DetectedAt time.Time
}
