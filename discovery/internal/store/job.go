package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/pricewatch/dbopen"
)

const jobCols = `id, tenant_id, source_id, due_at, status, trigger_kind, run_id, created_at, started_at, finished_at`

// CreateJob inserts a queued job. The partial unique index on in-flight jobs
// turns a second queued/running job for the same source into ErrJobInFlight.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.Trigger == "" {
		j.Trigger = TriggerSchedule
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO jobs (id, tenant_id, source_id, due_at, status, trigger_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.SourceID, j.DueAt, j.Status, j.Trigger, j.CreatedAt)
	if dbopen.IsUniqueViolation(err) {
		return ErrJobInFlight
	}
	return err
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// InFlightJob returns the queued or running job of a source, if any.
func (s *Store) InFlightJob(ctx context.Context, sourceID string) (*Job, error) {
	j, err := scanJob(s.q.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE source_id = ? AND status IN ('queued', 'running')`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// QueuedJobs returns queued jobs in dispatch order: source priority
// descending, then due time ascending.
func (s *Store) QueuedJobs(ctx context.Context, limit int) ([]*QueuedJob, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+prefixed("j.", jobCols)+`, s.competitor_id, s.base_url, s.priority
		FROM jobs j JOIN sources s ON s.id = j.source_id
		WHERE j.status = 'queued'
		ORDER BY s.priority DESC, j.due_at ASC, j.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*QueuedJob
	for rows.Next() {
		var q QueuedJob
		var started, finished sql.NullInt64
		if err := rows.Scan(&q.ID, &q.TenantID, &q.SourceID, &q.DueAt, &q.Status, &q.Trigger,
			&q.RunID, &q.CreatedAt, &started, &finished,
			&q.CompetitorID, &q.BaseURL, &q.SourcePriority); err != nil {
			return nil, err
		}
		q.StartedAt, q.FinishedAt = int64Ptr(started), int64Ptr(finished)
		out = append(out, &q)
	}
	return out, rows.Err()
}

// MarkJobRunning moves a queued job to running. It reports false when the
// job was no longer queued.
func (s *Store) MarkJobRunning(ctx context.Context, id string, now int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ? WHERE id = ? AND status = 'queued'`, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetJobRun links the job to its run.
func (s *Store) SetJobRun(ctx context.Context, id, runID string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE jobs SET run_id = ? WHERE id = ?`, runID, id)
	return err
}

// FinishJob sets a terminal status. Already terminal jobs are left alone.
func (s *Store) FinishJob(ctx context.Context, id, status string, now int64) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ? WHERE id = ? AND status IN ('queued', 'running')`,
		status, now, id)
	return err
}

// RequeueJob returns a running job to queued (lease contention).
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', started_at = NULL WHERE id = ? AND status = 'running'`, id)
	return err
}

// RecoverRunningJobs cancels jobs left running by a previous process and
// marks their unfinished runs as timed out. It returns the cancelled count.
func (s *Store) RecoverRunningJobs(ctx context.Context, now int64) (int, error) {
	var n int64
	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE runs SET status = 'timeout', error_kind = 'recovered',
			error_detail = 'process stopped while the run was in progress', finished_at = ?
			WHERE finished_at IS NULL AND id IN (SELECT run_id FROM jobs WHERE status = 'running')`,
			now); err != nil {
			return err
		}
		res, err := tx.q.ExecContext(ctx,
			`UPDATE jobs SET status = 'cancelled', finished_at = ? WHERE status = 'running'`, now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// CancelStaleJobs cancels running jobs started before startedBefore and
// times out their unfinished runs. It returns the cancelled count.
func (s *Store) CancelStaleJobs(ctx context.Context, startedBefore, now int64) (int, error) {
	var n int64
	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE runs SET status = 'timeout', error_kind = 'stale',
			error_detail = 'job exceeded its lease', finished_at = ?
			WHERE finished_at IS NULL AND id IN
			(SELECT run_id FROM jobs WHERE status = 'running' AND started_at < ?)`,
			now, startedBefore); err != nil {
			return err
		}
		res, err := tx.q.ExecContext(ctx,
			`UPDATE jobs SET status = 'cancelled', finished_at = ?
			WHERE status = 'running' AND started_at < ?`, now, startedBefore)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var started, finished sql.NullInt64
	if err := row.Scan(&j.ID, &j.TenantID, &j.SourceID, &j.DueAt, &j.Status, &j.Trigger,
		&j.RunID, &j.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	j.StartedAt, j.FinishedAt = int64Ptr(started), int64Ptr(finished)
	return &j, nil
}
