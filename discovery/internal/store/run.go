package store

import (
	"context"
	"database/sql"
	"errors"
)

const runCols = `id, tenant_id, source_id, job_id, profile_id, profile_version, status, http_status,
	snapshot_ref, content_hash, unchanged, pages, products_parsed, products_changed, products_new,
	warnings, duration_ms, error_kind, error_detail, started_at, finished_at`

// InsertRun records the start of a run.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	if r.Status == "" {
		r.Status = RunRunning
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, source_id, job_id, profile_id, profile_version, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.SourceID, r.JobID, r.ProfileID, r.ProfileVersion, r.Status, r.StartedAt)
	return err
}

// FinishRun writes the outcome of a run exactly once. A finished run is
// never modified again: a second call returns ErrRunFinished.
func (s *Store) FinishRun(ctx context.Context, r *Run, finishedAt int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE runs SET status = ?, http_status = ?, snapshot_ref = ?, content_hash = ?, unchanged = ?,
		pages = ?, products_parsed = ?, products_changed = ?, products_new = ?, warnings = ?,
		duration_ms = ?, error_kind = ?, error_detail = ?, finished_at = ?
		WHERE id = ? AND finished_at IS NULL`,
		r.Status, r.HTTPStatus, r.SnapshotRef, r.ContentHash, boolInt(r.Unchanged),
		r.Pages, r.ProductsParsed, r.ProductsChanged, r.ProductsNew, r.Warnings,
		r.DurationMs, r.ErrorKind, r.ErrorDetail, finishedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunFinished
	}
	r.FinishedAt = &finishedAt
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.q.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRuns returns a tenant's run history for one source, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID, sourceID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE tenant_id = ? AND source_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, tenantID, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OverlappingRun returns another unfinished run of the same source that
// started no later than startedAt, if any.
func (s *Store) OverlappingRun(ctx context.Context, sourceID, runID string, startedAt int64) (*Run, error) {
	r, err := scanRun(s.q.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM runs
		WHERE source_id = ? AND id <> ? AND finished_at IS NULL AND started_at <= ?
		ORDER BY started_at LIMIT 1`, sourceID, runID, startedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var unchanged int
	var finished sql.NullInt64
	if err := row.Scan(&r.ID, &r.TenantID, &r.SourceID, &r.JobID, &r.ProfileID, &r.ProfileVersion,
		&r.Status, &r.HTTPStatus, &r.SnapshotRef, &r.ContentHash, &unchanged, &r.Pages,
		&r.ProductsParsed, &r.ProductsChanged, &r.ProductsNew, &r.Warnings, &r.DurationMs,
		&r.ErrorKind, &r.ErrorDetail, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Unchanged = unchanged != 0
	r.FinishedAt = int64Ptr(finished)
	return &r, nil
}
