package store

import (
	"context"
)

const snapshotCols = `id, tenant_id, source_id, run_id, page, content_hash, blob_key, size, content_type, created_at`

// InsertSnapshot indexes a stored page. Replaying the same run page is a no-op.
func (s *Store) InsertSnapshot(ctx context.Context, sn *Snapshot) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO snapshots (`+snapshotCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.TenantID, sn.SourceID, sn.RunID, sn.Page, sn.ContentHash, sn.BlobKey,
		sn.Size, sn.ContentType, sn.CreatedAt)
	return err
}

// ListSnapshots returns a run's pages in order.
func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]*Snapshot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE run_id = ? ORDER BY page`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.TenantID, &sn.SourceID, &sn.RunID, &sn.Page, &sn.ContentHash,
			&sn.BlobKey, &sn.Size, &sn.ContentType, &sn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sn)
	}
	return out, rows.Err()
}

// SnapshotHashKnown reports whether any snapshot already references the hash.
func (s *Store) SnapshotHashKnown(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE content_hash = ? LIMIT 1`, hash).Scan(&n)
	return n > 0, err
}
