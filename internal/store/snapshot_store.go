package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// SnapshotStore persists per-tick price observations. Invariant: rows with
// price <= 0 are never written — callers filter before calling Insert.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// InitSchema ensures the snapshot table exists, indexed by (slug, scanned_at)
// per the persistence layout.
func (s *SnapshotStore) InitSchema(ctx context.Context) error {
	content, err := os.ReadFile("sql/create_snapshot_table.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(content))
	return err
}

// InsertBatchTx writes every snapshot in one transaction, silently skipping
// any non-positive price (the scanner already drops those before calling).
// All rows in the batch must share one ScannedAt.
func (s *SnapshotStore) InsertBatchTx(ctx context.Context, tx *sql.Tx, snapshots []model.Snapshot) error {
	const q = `
INSERT INTO snapshot (
  slug, source, price, currency, scanned_at, native_id, serial_number, attributes
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	for _, snap := range snapshots {
		if snap.Price.Sign() <= 0 {
			continue
		}
		attrs, err := marshalAttributes(snap.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q,
			snap.Slug,
			snap.Source,
			snap.Price.String(),
			string(snap.Currency),
			snap.ScannedAt,
			snap.NativeID,
			snap.Serial,
			attrs,
		); err != nil {
			return err
		}
	}
	return nil
}

// FloorHistory returns the per-tick floor price (minimum snapshot price)
// for a slug at or after since, one point per distinct scanned_at —
// the input the stats price-trend calculation groups into old/new halves.
func (s *SnapshotStore) FloorHistory(ctx context.Context, slug string, since time.Time) ([]decimal.Decimal, error) {
	const q = `
SELECT scanned_at, MIN(price) FROM snapshot
WHERE slug = ? AND scanned_at >= ?
GROUP BY scanned_at
ORDER BY scanned_at ASC`

	rows, err := s.db.QueryContext(ctx, q, slug, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var ts time.Time
		var raw string
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestPoint is one source's most recent observation for a slug.
type LatestPoint struct {
	Source     string
	Price      decimal.Decimal
	Serial     *int
	Attributes model.Attributes
	NativeID   *string
}

// LatestBySlug returns the most recent snapshot per source for a gift slug
// — the per-(slug, source) latest-snapshot input the opportunity detector
// groups by rarity tier.
func (s *SnapshotStore) LatestBySlug(ctx context.Context, slug string) ([]LatestPoint, error) {
	const q = `
SELECT s.source, s.price, s.serial_number, s.attributes, s.native_id
FROM snapshot s
INNER JOIN (
  SELECT source, MAX(scanned_at) AS max_ts
  FROM snapshot WHERE slug = ?
  GROUP BY source
) latest ON latest.source = s.source AND latest.max_ts = s.scanned_at
WHERE s.slug = ?`

	rows, err := s.db.QueryContext(ctx, q, slug, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LatestPoint
	for rows.Next() {
		var p LatestPoint
		var priceRaw string
		var serial sql.NullInt64
		var attrsRaw []byte
		var nativeID sql.NullString
		if err := rows.Scan(&p.Source, &priceRaw, &serial, &attrsRaw, &nativeID); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceRaw)
		if err != nil {
			return nil, err
		}
		p.Price = price
		if serial.Valid {
			n := int(serial.Int64)
			p.Serial = &n
		}
		if nativeID.Valid {
			p.NativeID = &nativeID.String
		}
		attrs, err := unmarshalAttributes(attrsRaw)
		if err != nil {
			return nil, err
		}
		p.Attributes = attrs
		out = append(out, p)
	}
	return out, rows.Err()
}

func marshalAttributes(a model.Attributes) ([]byte, error) {
	if len(a) == 0 {
		return nil, nil
	}
	return json.Marshal(a)
}

func unmarshalAttributes(raw []byte) (model.Attributes, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a model.Attributes
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}
