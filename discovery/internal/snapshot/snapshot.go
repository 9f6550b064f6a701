// Package snapshot keeps raw fetched payloads, content addressed by their
// sha256 digest, plus a per-run index of which page produced which blob.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/idgen"
)

var (
	// ErrNotFound is returned by backends when a blob does not exist.
	ErrNotFound = errors.New("snapshot: blob not found")
	// ErrCorrupt is returned by Load when the blob no longer matches its hash.
	ErrCorrupt = errors.New("snapshot: blob hash mismatch")
	// ErrInvalidHash is returned for hashes not of the form sha256:<hex>.
	ErrInvalidHash = errors.New("snapshot: invalid hash")
)

// Backend stores immutable blobs by key.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Ref points to one stored page.
type Ref struct {
	ID      string `json:"id"`
	Hash    string `json:"hash"`
	BlobKey string `json:"blob_key"`
	Size    int64  `json:"size"`
}

// Page identifies what is being saved.
type Page struct {
	TenantID    string
	SourceID    string
	RunID       string
	Page        int
	ContentType string
}

// Store writes blobs through a Backend and indexes them in the database.
type Store struct {
	backend Backend
	db      *store.Store
	newID   idgen.Generator
	now     func() time.Time
}

// New creates a snapshot Store.
func New(backend Backend, db *store.Store) *Store {
	return &Store{backend: backend, db: db, newID: idgen.Default, now: time.Now}
}

// Hash returns the sha256:<hex> digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// BlobKey maps a content hash to its backend key, sharded by the first byte.
func BlobKey(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return "blobs/" + raw[:2] + "/" + raw, nil
}

// Save writes body (once per distinct hash) and records the page in the run index.
func (s *Store) Save(ctx context.Context, p Page, body []byte) (*Ref, error) {
	hash := Hash(body)
	key, err := BlobKey(hash)
	if err != nil {
		return nil, err
	}
	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("snapshot: exists %s: %w", key, err)
	}
	if !exists {
		if err := s.backend.Put(ctx, key, body, p.ContentType); err != nil {
			return nil, fmt.Errorf("snapshot: put %s: %w", key, err)
		}
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	ref := &Ref{ID: s.newID(), Hash: hash, BlobKey: key, Size: int64(len(body))}
	err = s.db.InsertSnapshot(ctx, &store.Snapshot{
		ID:          ref.ID,
		TenantID:    p.TenantID,
		SourceID:    p.SourceID,
		RunID:       p.RunID,
		Page:        p.Page,
		ContentHash: hash,
		BlobKey:     key,
		Size:        ref.Size,
		ContentType: p.ContentType,
		CreatedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: index: %w", err)
	}
	return ref, nil
}

// Load reads a blob back and verifies it against its hash.
func (s *Store) Load(ctx context.Context, ref *Ref) ([]byte, error) {
	data, err := s.backend.Get(ctx, ref.BlobKey)
	if err != nil {
		return nil, err
	}
	if Hash(data) != ref.Hash {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, ref.BlobKey)
	}
	return data, nil
}

// Pages lists the stored pages of a run.
func (s *Store) Pages(ctx context.Context, runID string) ([]*store.Snapshot, error) {
	return s.db.ListSnapshots(ctx, runID)
}
