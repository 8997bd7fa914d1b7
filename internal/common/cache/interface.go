package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface the judge uses for status snapshots,
// rate counters, idempotency markers and cache-aside reads.
// Get returns "" with a nil error on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	MGet(ctx context.Context, keys ...string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
