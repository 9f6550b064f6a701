package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const sourceCols = `id, tenant_id, competitor_id, kind, source_type, base_url, frequency_minutes,
	priority, robots_allowed, active, profile_id, profile_version, next_due_at,
	consecutive_failures, last_run_id, last_success_hash, last_applied_started_at,
	created_at, updated_at`

// InsertSource adds a source. A zero NextDueAt makes it due immediately.
func (s *Store) InsertSource(ctx context.Context, src *Source) error {
	now := time.Now().UnixMilli()
	if src.CreatedAt == 0 {
		src.CreatedAt = now
	}
	src.UpdatedAt = src.CreatedAt
	if src.Kind == "" {
		src.Kind = "menu"
	}
	if src.SourceType == "" {
		src.SourceType = SourceMarkup
	}
	if src.FrequencyMinutes <= 0 {
		src.FrequencyMinutes = 60
	}
	if src.Priority == 0 {
		src.Priority = 5
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sources (`+sourceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.TenantID, src.CompetitorID, src.Kind, src.SourceType, src.BaseURL,
		src.FrequencyMinutes, src.Priority, boolInt(src.RobotsAllowed), boolInt(src.Active),
		src.ProfileID, src.ProfileVersion, src.NextDueAt, src.ConsecutiveFailures,
		src.LastRunID, src.LastSuccessHash, src.LastAppliedStartedAt, src.CreatedAt, src.UpdatedAt)
	return err
}

// GetSource returns a tenant's source.
func (s *Store) GetSource(ctx context.Context, tenantID, id string) (*Source, error) {
	return s.getSource(ctx, `SELECT `+sourceCols+` FROM sources WHERE tenant_id = ? AND id = ?`, tenantID, id)
}

// SourceByID returns a source regardless of tenant. Internal use by the
// scheduler and pipeline, which already hold a job for it.
func (s *Store) SourceByID(ctx context.Context, id string) (*Source, error) {
	return s.getSource(ctx, `SELECT `+sourceCols+` FROM sources WHERE id = ?`, id)
}

func (s *Store) getSource(ctx context.Context, query string, args ...any) (*Source, error) {
	src, err := scanSource(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

// ListSources returns a tenant's sources, optionally for one competitor.
func (s *Store) ListSources(ctx context.Context, tenantID, competitorID string) ([]*Source, error) {
	query := `SELECT ` + sourceCols + ` FROM sources WHERE tenant_id = ?`
	args := []any{tenantID}
	if competitorID != "" {
		query += ` AND competitor_id = ?`
		args = append(args, competitorID)
	}
	query += ` ORDER BY priority DESC, created_at`
	return s.querySources(ctx, query, args...)
}

// UpdateSource updates operator-managed fields and the success hash, which
// callers clear when the page must be parsed again.
func (s *Store) UpdateSource(ctx context.Context, src *Source, now int64) error {
	src.UpdatedAt = now
	_, err := s.q.ExecContext(ctx,
		`UPDATE sources SET kind = ?, source_type = ?, base_url = ?, frequency_minutes = ?,
		priority = ?, robots_allowed = ?, active = ?, profile_id = ?, profile_version = ?,
		last_success_hash = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		src.Kind, src.SourceType, src.BaseURL, src.FrequencyMinutes, src.Priority,
		boolInt(src.RobotsAllowed), boolInt(src.Active), src.ProfileID, src.ProfileVersion,
		src.LastSuccessHash, src.UpdatedAt, src.TenantID, src.ID)
	return err
}

// DueSources returns active sources of active competitors with
// next_due_at <= now, highest priority first, then earliest due.
func (s *Store) DueSources(ctx context.Context, now int64, limit int) ([]*Source, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.querySources(ctx,
		`SELECT `+prefixed("s.", sourceCols)+` FROM sources s
		JOIN competitors c ON c.id = s.competitor_id
		WHERE s.active = 1 AND c.active = 1 AND s.next_due_at <= ?
		ORDER BY s.priority DESC, s.next_due_at ASC, s.id
		LIMIT ?`, now, limit)
}

// RescheduleSource records the outcome bookkeeping of a finished job.
func (s *Store) RescheduleSource(ctx context.Context, id string, nextDueAt int64, failures int, lastRunID string, now int64) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE sources SET next_due_at = ?, consecutive_failures = ?, last_run_id = ?, updated_at = ?
		WHERE id = ?`,
		nextDueAt, failures, lastRunID, now, id)
	return err
}

// SetLastSuccessHash stores the content hash of the latest successful run.
func (s *Store) SetLastSuccessHash(ctx context.Context, id, hash string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sources SET last_success_hash = ? WHERE id = ?`, hash, id)
	return err
}

// SetLastApplied records the start time of the latest run applied to the catalog.
func (s *Store) SetLastApplied(ctx context.Context, id string, startedAt int64) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE sources SET last_applied_started_at = MAX(last_applied_started_at, ?) WHERE id = ?`,
		startedAt, id)
	return err
}

func (s *Store) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanSource(row scanner) (*Source, error) {
	var src Source
	var robots, active int
	err := row.Scan(&src.ID, &src.TenantID, &src.CompetitorID, &src.Kind, &src.SourceType,
		&src.BaseURL, &src.FrequencyMinutes, &src.Priority, &robots, &active,
		&src.ProfileID, &src.ProfileVersion, &src.NextDueAt, &src.ConsecutiveFailures,
		&src.LastRunID, &src.LastSuccessHash, &src.LastAppliedStartedAt,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.RobotsAllowed = robots != 0
	src.Active = active != 0
	return &src, nil
}
