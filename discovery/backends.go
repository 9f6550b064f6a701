package discovery

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/pricewatch/discovery/internal/scheduler"
	"github.com/hazyhaar/pricewatch/discovery/internal/snapshot"
)

// SnapshotBackend stores raw page bodies by content-hash key.
type SnapshotBackend = snapshot.Backend

// S3Config and GCSConfig select a bucket and key prefix.
type (
	S3Config  = snapshot.S3Config
	GCSConfig = snapshot.GCSConfig
)

// NewFSBackend stores snapshots under root on the local filesystem.
func NewFSBackend(root string) (SnapshotBackend, error) {
	return snapshot.NewFSBackend(root)
}

// NewS3Backend stores snapshots in S3 using the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (SnapshotBackend, error) {
	return snapshot.NewS3Backend(ctx, cfg)
}

// NewGCSBackend stores snapshots in Google Cloud Storage. Call the returned
// close function on shutdown.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (SnapshotBackend, func() error, error) {
	b, err := snapshot.NewGCSBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

// WithRedisLease shares per-source leases through Redis so that several
// processes can schedule against the same database.
func WithRedisLease(client redis.UniversalClient) ServiceOption {
	return WithLease(scheduler.NewRedisLease(client, "pricewatch:lease:"))
}
