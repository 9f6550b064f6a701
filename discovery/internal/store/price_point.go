package store

import (
	"context"
	"database/sql"
)

// AppendPricePoint appends an observation with the next per-product
// sequence number. A second point for the same (product, run) is ignored;
// the return value reports whether a row was written.
func (s *Store) AppendPricePoint(ctx context.Context, pp *PricePoint) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO price_points (id, tenant_id, product_id, run_id, seq, price_cents,
		regular_price_cents, in_stock, observed_at)
		SELECT ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM price_points WHERE product_id = ?`,
		pp.ID, pp.TenantID, pp.ProductID, pp.RunID, nullInt64(pp.PriceCents),
		nullInt64(pp.RegularPriceCents), boolInt(pp.InStock), pp.ObservedAt, pp.ProductID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListPricePoints returns a tenant product's price series, oldest first.
func (s *Store) ListPricePoints(ctx context.Context, tenantID, productID string, limit int) ([]*PricePoint, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, tenant_id, product_id, run_id, seq, price_cents, regular_price_cents, in_stock, observed_at
		FROM price_points WHERE tenant_id = ? AND product_id = ?
		ORDER BY seq LIMIT ?`, tenantID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PricePoint
	for rows.Next() {
		var pp PricePoint
		var price, regular sql.NullInt64
		var inStock int
		if err := rows.Scan(&pp.ID, &pp.TenantID, &pp.ProductID, &pp.RunID, &pp.Seq, &price,
			&regular, &inStock, &pp.ObservedAt); err != nil {
			return nil, err
		}
		pp.PriceCents, pp.RegularPriceCents = int64Ptr(price), int64Ptr(regular)
		pp.InStock = inStock != 0
		out = append(out, &pp)
	}
	return out, rows.Err()
}
