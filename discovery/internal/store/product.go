package store

import (
	"context"
	"database/sql"
	"errors"
)

const productCols = `id, tenant_id, competitor_id, source_id, external_id, name, brand, category,
	raw_category, strain, size, match_key, price_cents, regular_price_cents, in_stock, discontinued,
	thc_pct, cbd_pct, image_url, url, missed_runs, first_seen_at, last_seen_at, last_run_id`

// InsertProduct creates a catalog entry.
func (s *Store) InsertProduct(ctx context.Context, p *Product) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO products (`+productCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.CompetitorID, p.SourceID, p.ExternalID, p.Name, p.Brand, p.Category,
		p.RawCategory, p.Strain, p.Size, p.MatchKey, nullInt64(p.PriceCents), nullInt64(p.RegularPriceCents),
		boolInt(p.InStock), boolInt(p.Discontinued), nullFloat(p.THCPct), nullFloat(p.CBDPct),
		p.ImageURL, p.URL, p.MissedRuns, p.FirstSeenAt, p.LastSeenAt, p.LastRunID)
	return err
}

// UpdateProduct writes the mutable state of a product. last_seen_at only
// moves forward.
func (s *Store) UpdateProduct(ctx context.Context, p *Product) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE products SET source_id = ?, name = ?, brand = ?, category = ?, raw_category = ?,
		strain = ?, size = ?, match_key = ?, price_cents = ?, regular_price_cents = ?, in_stock = ?,
		discontinued = ?, thc_pct = ?, cbd_pct = ?, image_url = ?, url = ?, missed_runs = ?,
		last_seen_at = MAX(last_seen_at, ?), last_run_id = ?
		WHERE id = ?`,
		p.SourceID, p.Name, p.Brand, p.Category, p.RawCategory, p.Strain, p.Size, p.MatchKey,
		nullInt64(p.PriceCents), nullInt64(p.RegularPriceCents), boolInt(p.InStock),
		boolInt(p.Discontinued), nullFloat(p.THCPct), nullFloat(p.CBDPct), p.ImageURL, p.URL,
		p.MissedRuns, p.LastSeenAt, p.LastRunID, p.ID)
	return err
}

// GetProduct returns a tenant's product by id.
func (s *Store) GetProduct(ctx context.Context, tenantID, id string) (*Product, error) {
	p, err := scanProduct(s.q.QueryRowContext(ctx,
		`SELECT `+productCols+` FROM products WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ProductsForSource returns every product last attributed to a source.
func (s *Store) ProductsForSource(ctx context.Context, sourceID string) ([]*Product, error) {
	return s.queryProducts(ctx,
		`SELECT `+productCols+` FROM products WHERE source_id = ? ORDER BY external_id`, sourceID)
}

// ProductsForCompetitor returns the products of a tenant's competitor keyed
// by external id.
func (s *Store) ProductsForCompetitor(ctx context.Context, tenantID, competitorID string) (map[string]*Product, error) {
	list, err := s.queryProducts(ctx,
		`SELECT `+productCols+` FROM products WHERE tenant_id = ? AND competitor_id = ?`,
		tenantID, competitorID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Product, len(list))
	for _, p := range list {
		out[p.ExternalID] = p
	}
	return out, nil
}

// ListProducts returns a tenant's products, optionally for one competitor.
func (s *Store) ListProducts(ctx context.Context, tenantID, competitorID string, limit int) ([]*Product, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	query := `SELECT ` + productCols + ` FROM products WHERE tenant_id = ?`
	args := []any{tenantID}
	if competitorID != "" {
		query += ` AND competitor_id = ?`
		args = append(args, competitorID)
	}
	query += ` ORDER BY brand, name LIMIT ?`
	args = append(args, limit)
	return s.queryProducts(ctx, query, args...)
}

// TouchProducts advances last_seen_at and last_run_id of the products a
// source showed on its previous run (missed_runs = 0). Used when content is
// unchanged.
func (s *Store) TouchProducts(ctx context.Context, sourceID, runID string, at int64) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE products SET last_seen_at = MAX(last_seen_at, ?), last_run_id = ?
		WHERE source_id = ? AND missed_runs = 0 AND discontinued = 0`, at, runID, sourceID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]*Product, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProduct(row scanner) (*Product, error) {
	var p Product
	var price, regular sql.NullInt64
	var thc, cbd sql.NullFloat64
	var inStock, discontinued int
	if err := row.Scan(&p.ID, &p.TenantID, &p.CompetitorID, &p.SourceID, &p.ExternalID, &p.Name,
		&p.Brand, &p.Category, &p.RawCategory, &p.Strain, &p.Size, &p.MatchKey, &price, &regular,
		&inStock, &discontinued, &thc, &cbd, &p.ImageURL, &p.URL, &p.MissedRuns,
		&p.FirstSeenAt, &p.LastSeenAt, &p.LastRunID); err != nil {
		return nil, err
	}
	p.PriceCents, p.RegularPriceCents = int64Ptr(price), int64Ptr(regular)
	p.THCPct, p.CBDPct = floatPtr(thc), floatPtr(cbd)
	p.InStock, p.Discontinued = inStock != 0, discontinued != 0
	return &p, nil
}
