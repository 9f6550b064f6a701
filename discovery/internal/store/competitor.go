package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const competitorCols = `id, tenant_id, name, geo, active, priority, slugs_json, created_at, updated_at`

// InsertCompetitor adds a competitor.
func (s *Store) InsertCompetitor(ctx context.Context, c *Competitor) error {
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.Priority == 0 {
		c.Priority = 5
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO competitors (`+competitorCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Geo, boolInt(c.Active), c.Priority,
		encodeJSON(c.Slugs, "{}"), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCompetitor returns a tenant's competitor by id.
func (s *Store) GetCompetitor(ctx context.Context, tenantID, id string) (*Competitor, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+competitorCols+` FROM competitors WHERE tenant_id = ? AND id = ?`, tenantID, id)
	c, err := scanCompetitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListCompetitors returns a tenant's competitors by name.
func (s *Store) ListCompetitors(ctx context.Context, tenantID string) ([]*Competitor, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+competitorCols+` FROM competitors WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Competitor
	for rows.Next() {
		c, err := scanCompetitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCompetitor updates mutable metadata. Identity and tenant never change.
func (s *Store) UpdateCompetitor(ctx context.Context, c *Competitor) error {
	c.UpdatedAt = time.Now().UnixMilli()
	_, err := s.q.ExecContext(ctx,
		`UPDATE competitors SET name = ?, geo = ?, active = ?, priority = ?, slugs_json = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		c.Name, c.Geo, boolInt(c.Active), c.Priority, encodeJSON(c.Slugs, "{}"), c.UpdatedAt,
		c.TenantID, c.ID)
	return err
}

func scanCompetitor(row scanner) (*Competitor, error) {
	var c Competitor
	var active int
	var slugs string
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Geo, &active, &c.Priority, &slugs,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Active = active != 0
	if slugs != "" && slugs != "{}" {
		_ = json.Unmarshal([]byte(slugs), &c.Slugs)
	}
	return &c, nil
}
