package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/pricewatch/idgen"
)

// Lease grants exclusive, expiring ownership of a key. It backs the
// one-in-flight guarantee across processes sharing the database.
type Lease interface {
	// Acquire reports ok=false when another holder owns key. release is
	// non-nil only when ok is true.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease is an in-process Lease.
type LocalLease struct {
	mu    sync.Mutex
	now   func() time.Time
	held  map[string]localHold
	newID idgen.Generator
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocalLease creates a LocalLease. A nil clock uses time.Now.
func NewLocalLease(now func() time.Time) *LocalLease {
	if now == nil {
		now = time.Now
	}
	return &LocalLease{now: now, held: make(map[string]localHold), newID: idgen.Default}
}

// Acquire implements Lease.
func (l *LocalLease) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := l.newID()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lease key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Lease shared by every process using the same Redis.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	newID  idgen.Generator
}

// NewRedisLease creates a RedisLease. Keys are namespaced by prefix
// (default "pricewatch:lease:").
func NewRedisLease(client redis.UniversalClient, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "pricewatch:lease:"
	}
	return &RedisLease{client: client, prefix: prefix, newID: idgen.Default}
}

// Acquire implements Lease with SET NX PX.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := l.prefix + key
	token := l.newID()
	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: redis lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(rctx, l.client, []string{k}, token)
	}, true, nil
}
