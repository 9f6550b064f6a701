// Package store is the SQLite data access layer of the discovery pipeline.
//
// Every table is partitioned by tenant_id; tenant-facing getters take the
// tenant and never return another tenant's rows. Getters return (nil, nil)
// when nothing matches.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/hazyhaar/pricewatch/dbopen"
)

var (
	// ErrJobInFlight is returned by CreateJob when the source already has a
	// queued or running job.
	ErrJobInFlight = errors.New("store: source has a job in flight")
	// ErrRunFinished is returned by FinishRun on an already finished run.
	ErrRunFinished = errors.New("store: run already finished")
	// ErrProfileOwner is returned when a profile id is reused across tenants.
	ErrProfileOwner = errors.New("store: profile id belongs to another tenant")
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database. Inside InTx, q is the transaction.
type Store struct {
	DB *sql.DB
	q  DBTX
}

// NewStore creates a Store from an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, q: db}
}

// InTx runs fn with a Store bound to one transaction, committed when fn
// returns nil. The transaction is retried on SQLITE_BUSY.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return fn(&Store{DB: s.DB, q: tx})
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func encodeJSON(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
