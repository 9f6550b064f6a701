package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const profileCols = `id, version, tenant_id, name, source_type, definition, content_hash, created_at`

// InsertProfileVersion stores p as the next version of profile p.ID and sets
// p.Version. Versions are never updated; an edit is always a new row. When
// the latest version already has p.ContentHash, no row is written and the
// returned bool is false.
func (s *Store) InsertProfileVersion(ctx context.Context, p *Profile) (bool, error) {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	created := false
	err := s.InTx(ctx, func(tx *Store) error {
		latest, err := scanProfile(tx.q.QueryRowContext(ctx,
			`SELECT `+profileCols+` FROM parser_profiles WHERE id = ? ORDER BY version DESC LIMIT 1`, p.ID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if latest != nil {
			if latest.TenantID != p.TenantID {
				return ErrProfileOwner
			}
			if latest.ContentHash == p.ContentHash {
				*p = *latest
				return nil
			}
			p.Version = latest.Version + 1
		} else {
			p.Version = 1
		}
		if _, err := tx.q.ExecContext(ctx,
			`INSERT INTO parser_profiles (`+profileCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Version, p.TenantID, p.Name, p.SourceType, p.Definition, p.ContentHash, p.CreatedAt); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// GetProfile returns one version of a tenant's profile. version <= 0 means latest.
func (s *Store) GetProfile(ctx context.Context, tenantID, id string, version int) (*Profile, error) {
	var row *sql.Row
	if version > 0 {
		row = s.q.QueryRowContext(ctx,
			`SELECT `+profileCols+` FROM parser_profiles WHERE tenant_id = ? AND id = ? AND version = ?`,
			tenantID, id, version)
	} else {
		row = s.q.QueryRowContext(ctx,
			`SELECT `+profileCols+` FROM parser_profiles WHERE tenant_id = ? AND id = ?
			ORDER BY version DESC LIMIT 1`, tenantID, id)
	}
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListProfileVersions returns every version of a profile, oldest first.
func (s *Store) ListProfileVersions(ctx context.Context, tenantID, id string) ([]*Profile, error) {
	return s.queryProfiles(ctx,
		`SELECT `+profileCols+` FROM parser_profiles WHERE tenant_id = ? AND id = ? ORDER BY version`,
		tenantID, id)
}

// ListProfiles returns the latest version of each of a tenant's profiles.
func (s *Store) ListProfiles(ctx context.Context, tenantID string) ([]*Profile, error) {
	return s.queryProfiles(ctx,
		`SELECT `+prefixed("p.", profileCols)+` FROM parser_profiles p
		WHERE p.tenant_id = ? AND p.version = (
			SELECT MAX(version) FROM parser_profiles WHERE id = p.id)
		ORDER BY p.name`, tenantID)
}

func (s *Store) queryProfiles(ctx context.Context, query string, args ...any) ([]*Profile, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row scanner) (*Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.Version, &p.TenantID, &p.Name, &p.SourceType, &p.Definition,
		&p.ContentHash, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
