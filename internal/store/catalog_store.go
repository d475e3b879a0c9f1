package store

import (
	"context"
	"database/sql"
	"os"

	"github.com/giftscan/internal/model"
)

// CatalogStore wraps read access to the gift catalog. The catalog is
// shared read-only state for the core: it is written only by the admin
// path, which is out of scope here.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore creates a new CatalogStore.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// InitSchema ensures the catalog table exists.
func (s *CatalogStore) InitSchema(ctx context.Context) error {
	content, err := os.ReadFile("sql/create_catalog_table.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(content))
	return err
}

// ListSlugs returns every known gift slug in the catalog.
func (s *CatalogStore) ListSlugs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug FROM catalog ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// Names returns a {slug: name} lookup for every gift in the catalog, used
// by the digest builder and stats surface to render human-readable labels.
func (s *CatalogStore) Names(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, name FROM catalog`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var slug, name string
		if err := rows.Scan(&slug, &name); err != nil {
			return nil, err
		}
		names[slug] = name
	}
	return names, rows.Err()
}

// List returns every catalog entry ordered by slug, used by the read API's
// gift listing query.
func (s *CatalogStore) List(ctx context.Context) ([]model.Gift, error) {
	const q = `SELECT slug, name, image_url, total_supply FROM catalog ORDER BY slug`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Gift
	for rows.Next() {
		var g model.Gift
		var imageURL sql.NullString
		var totalSupply sql.NullInt64
		if err := rows.Scan(&g.Slug, &g.Name, &imageURL, &totalSupply); err != nil {
			return nil, err
		}
		if imageURL.Valid {
			g.ImageURL = &imageURL.String
		}
		if totalSupply.Valid {
			n := int(totalSupply.Int64)
			g.TotalSupply = &n
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Get returns a single catalog entry, or sql.ErrNoRows if it doesn't exist.
func (s *CatalogStore) Get(ctx context.Context, slug string) (*model.Gift, error) {
	const q = `SELECT slug, name, image_url, total_supply FROM catalog WHERE slug = ?`
	row := s.db.QueryRowContext(ctx, q, slug)

	var g model.Gift
	var imageURL sql.NullString
	var totalSupply sql.NullInt64
	if err := row.Scan(&g.Slug, &g.Name, &imageURL, &totalSupply); err != nil {
		return nil, err
	}
	if imageURL.Valid {
		g.ImageURL = &imageURL.String
	}
	if totalSupply.Valid {
		n := int(totalSupply.Int64)
		g.TotalSupply = &n
	}
	return &g, nil
}
