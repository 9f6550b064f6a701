package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const ruleCols = `id, tenant_id, name, active, competitor_ids, brands, product_ids, geos, source_ids,
	insight_types, min_severity, min_delta_pct, max_delta_pct, undercut_pct, debounce_minutes,
	actions, last_triggered_at, trigger_count, created_at, updated_at`

// InsertRule adds a watch rule.
func (s *Store) InsertRule(ctx context.Context, r *WatchRule) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	r.UpdatedAt = r.CreatedAt
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO watch_rules (`+ruleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, boolInt(r.Active), encodeJSON(r.CompetitorIDs, "[]"),
		encodeJSON(r.Brands, "[]"), encodeJSON(r.ProductIDs, "[]"), encodeJSON(r.Geos, "[]"),
		encodeJSON(r.SourceIDs, "[]"), encodeJSON(r.InsightTypes, "[]"), r.MinSeverity,
		nullFloat(r.MinDeltaPct), nullFloat(r.MaxDeltaPct), nullFloat(r.UndercutPct),
		r.DebounceMinutes, encodeJSON(r.Actions, "[]"), r.LastTriggeredAt, r.TriggerCount,
		r.CreatedAt, r.UpdatedAt)
	return err
}

// UpdateRule replaces a rule's definition. Trigger bookkeeping is kept.
func (s *Store) UpdateRule(ctx context.Context, r *WatchRule) error {
	r.UpdatedAt = time.Now().UnixMilli()
	_, err := s.q.ExecContext(ctx,
		`UPDATE watch_rules SET name = ?, active = ?, competitor_ids = ?, brands = ?, product_ids = ?,
		geos = ?, source_ids = ?, insight_types = ?, min_severity = ?, min_delta_pct = ?,
		max_delta_pct = ?, undercut_pct = ?, debounce_minutes = ?, actions = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		r.Name, boolInt(r.Active), encodeJSON(r.CompetitorIDs, "[]"), encodeJSON(r.Brands, "[]"),
		encodeJSON(r.ProductIDs, "[]"), encodeJSON(r.Geos, "[]"), encodeJSON(r.SourceIDs, "[]"),
		encodeJSON(r.InsightTypes, "[]"), r.MinSeverity, nullFloat(r.MinDeltaPct),
		nullFloat(r.MaxDeltaPct), nullFloat(r.UndercutPct), r.DebounceMinutes,
		encodeJSON(r.Actions, "[]"), r.UpdatedAt, r.TenantID, r.ID)
	return err
}

// DeleteRule removes a tenant's rule.
func (s *Store) DeleteRule(ctx context.Context, tenantID, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM watch_rules WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return err
}

// GetRule returns a tenant's rule.
func (s *Store) GetRule(ctx context.Context, tenantID, id string) (*WatchRule, error) {
	r, err := scanRule(s.q.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM watch_rules WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRules returns a tenant's rules. activeOnly skips disabled ones.
func (s *Store) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*WatchRule, error) {
	query := `SELECT ` + ruleCols + ` FROM watch_rules WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	rows, err := s.q.QueryContext(ctx, query+` ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WatchRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTrigger advances last_triggered_at only if it still equals prev, so
// two concurrent evaluations cannot both fire inside one debounce window.
func (s *Store) RecordTrigger(ctx context.Context, id string, prev, now int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE watch_rules SET last_triggered_at = ?, trigger_count = trigger_count + 1
		WHERE id = ? AND last_triggered_at = ?`, now, id, prev)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanRule(row scanner) (*WatchRule, error) {
	var r WatchRule
	var active int
	var comps, brands, products, geos, sources, types, actions string
	var minDelta, maxDelta, undercut sql.NullFloat64
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &active, &comps, &brands, &products, &geos,
		&sources, &types, &r.MinSeverity, &minDelta, &maxDelta, &undercut, &r.DebounceMinutes,
		&actions, &r.LastTriggeredAt, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Active = active != 0
	r.CompetitorIDs = decodeStrings(comps)
	r.Brands = decodeStrings(brands)
	r.ProductIDs = decodeStrings(products)
	r.Geos = decodeStrings(geos)
	r.SourceIDs = decodeStrings(sources)
	r.InsightTypes = decodeStrings(types)
	r.MinDeltaPct, r.MaxDeltaPct, r.UndercutPct = floatPtr(minDelta), floatPtr(maxDelta), floatPtr(undercut)
	_ = json.Unmarshal([]byte(actions), &r.Actions)
	return &r, nil
}
