package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const insightCols = `id, tenant_id, competitor_id, source_id, product_id, run_id, type, severity,
	product_name, brand, category, geo, previous_value, current_value, delta_percentage, created_at`

// InsertInsight appends an insight. A replay of the same (run, product,
// type) is ignored; the return value reports whether a row was written.
func (s *Store) InsertInsight(ctx context.Context, in *Insight) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO insights (`+insightCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.TenantID, in.CompetitorID, in.SourceID, in.ProductID, in.RunID, in.Type,
		in.Severity, in.ProductName, in.Brand, in.Category, in.Geo, nullFloat(in.PreviousValue),
		nullFloat(in.CurrentValue), nullFloat(in.DeltaPercentage), in.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetInsight returns a tenant's insight with its consumers.
func (s *Store) GetInsight(ctx context.Context, tenantID, id string) (*Insight, error) {
	in, err := scanInsight(s.q.QueryRowContext(ctx,
		`SELECT `+insightCols+`, `+consumersExpr+` FROM insights i WHERE tenant_id = ? AND id = ?`,
		tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return in, err
}

// InsightsForRun returns the insights a run produced.
func (s *Store) InsightsForRun(ctx context.Context, runID string) ([]*Insight, error) {
	return s.queryInsights(ctx,
		`SELECT `+insightCols+`, `+consumersExpr+` FROM insights i WHERE run_id = ? ORDER BY created_at, id`,
		runID)
}

// Unconsumed returns a tenant's insights the consumer has not marked, oldest first.
func (s *Store) Unconsumed(ctx context.Context, tenantID, consumer string, f InsightFilter) ([]*Insight, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `SELECT ` + insightCols + `, ` + consumersExpr + ` FROM insights i
		WHERE i.tenant_id = ? AND i.created_at >= ?
		AND NOT EXISTS (SELECT 1 FROM insight_consumers c WHERE c.insight_id = i.id AND c.consumer = ?)`
	args := []any{tenantID, f.Since, consumer}
	if f.Category != "" {
		query += ` AND i.category = ?`
		args = append(args, f.Category)
	}
	if len(f.Types) > 0 {
		query += ` AND i.type IN (?` + strings.Repeat(", ?", len(f.Types)-1) + `)`
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY i.created_at, i.id LIMIT ?`
	args = append(args, f.Limit)
	return s.queryInsights(ctx, query, args...)
}

// TenantsWithUnconsumed lists tenants having insights the consumer has not marked.
func (s *Store) TenantsWithUnconsumed(ctx context.Context, consumer string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT i.tenant_id FROM insights i
		WHERE NOT EXISTS (SELECT 1 FROM insight_consumers c WHERE c.insight_id = i.id AND c.consumer = ?)
		ORDER BY i.tenant_id`, consumer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkConsumed records that consumer processed the given insights of the
// tenant. Re-marking is a no-op; ids of other tenants are ignored. It returns
// the number of new marks.
func (s *Store) MarkConsumed(ctx context.Context, tenantID, consumer string, ids []string, at int64) (int, error) {
	var total int64
	err := s.InTx(ctx, func(tx *Store) error {
		for _, id := range ids {
			res, err := tx.q.ExecContext(ctx,
				`INSERT OR IGNORE INTO insight_consumers (insight_id, consumer, consumed_at)
				SELECT id, ?, ? FROM insights WHERE id = ? AND tenant_id = ?`,
				consumer, at, id, tenantID)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return int(total), err
}

const consumersExpr = `COALESCE((SELECT GROUP_CONCAT(consumer, ',') FROM
	(SELECT consumer FROM insight_consumers c WHERE c.insight_id = i.id ORDER BY consumer)), '')`

func (s *Store) queryInsights(ctx context.Context, query string, args ...any) ([]*Insight, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanInsight(row scanner) (*Insight, error) {
	var in Insight
	var prev, cur, delta sql.NullFloat64
	var consumers string
	if err := row.Scan(&in.ID, &in.TenantID, &in.CompetitorID, &in.SourceID, &in.ProductID,
		&in.RunID, &in.Type, &in.Severity, &in.ProductName, &in.Brand, &in.Category, &in.Geo,
		&prev, &cur, &delta, &in.CreatedAt, &consumers); err != nil {
		return nil, err
	}
	in.PreviousValue, in.CurrentValue, in.DeltaPercentage = floatPtr(prev), floatPtr(cur), floatPtr(delta)
	in.ConsumedBy = []string{}
	if consumers != "" {
		in.ConsumedBy = strings.Split(consumers, ",")
	}
	return &in, nil
}
