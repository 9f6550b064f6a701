package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertReferencePrice sets the tenant's own price for a match key.
func (s *Store) UpsertReferencePrice(ctx context.Context, rp *ReferencePrice) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reference_prices (tenant_id, match_key, name, brand, price_cents, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, match_key) DO UPDATE SET
			name = excluded.name, brand = excluded.brand,
			price_cents = excluded.price_cents, updated_at = excluded.updated_at`,
		rp.TenantID, rp.MatchKey, rp.Name, rp.Brand, rp.PriceCents, rp.UpdatedAt)
	return err
}

// GetReferencePrice returns the tenant's price for a match key.
func (s *Store) GetReferencePrice(ctx context.Context, tenantID, matchKey string) (*ReferencePrice, error) {
	var rp ReferencePrice
	err := s.q.QueryRowContext(ctx,
		`SELECT tenant_id, match_key, name, brand, price_cents, updated_at
		FROM reference_prices WHERE tenant_id = ? AND match_key = ?`, tenantID, matchKey).
		Scan(&rp.TenantID, &rp.MatchKey, &rp.Name, &rp.Brand, &rp.PriceCents, &rp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rp, nil
}

// ListReferencePrices returns all of a tenant's reference prices.
func (s *Store) ListReferencePrices(ctx context.Context, tenantID string) ([]*ReferencePrice, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT tenant_id, match_key, name, brand, price_cents, updated_at
		FROM reference_prices WHERE tenant_id = ? ORDER BY match_key`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ReferencePrice
	for rows.Next() {
		var rp ReferencePrice
		if err := rows.Scan(&rp.TenantID, &rp.MatchKey, &rp.Name, &rp.Brand, &rp.PriceCents, &rp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rp)
	}
	return out, rows.Err()
}
