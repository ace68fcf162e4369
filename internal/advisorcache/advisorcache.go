// Package advisorcache caches the advisor's EXPLAIN-derived column
// footprint estimates, keyed by a hash of the query text.
package advisorcache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mdbconductor/conductor/internal/logging"
)

// Client is the subset of redis.Client Cache needs. It is exported so
// callers outside this package can build a Cache over a fake in tests,
// without a live Redis instance.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
}

// Cache fronts the advisor's EXPLAIN estimate with a TTL cache. A cache
// that is unreachable degrades to always-miss rather than failing the
// query path: the advisor still works correctly via EXPLAIN, just slower.
type Cache struct {
	rdb Client
	ttl time.Duration
}

// New builds a Cache against a Redis instance at addr.
func New(addr string, ttl time.Duration) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}
}

// NewWithClient builds a Cache over an already-built client, used by
// tests to inject a fake in place of a live Redis instance.
func NewWithClient(c Client, ttl time.Duration) *Cache {
	return &Cache{rdb: c, ttl: ttl}
}

// Get returns the cached byte estimate for queryHash, if present and
// unexpired. A miss (including a Redis error) returns (0, false).
func (c *Cache) Get(ctx context.Context, queryHash string) (int64, bool) {
	val, err := c.rdb.Get(ctx, queryHash).Result()
	if err != nil {
		if err != redis.Nil {
			logging.Op().Warn("advisorcache: get failed", "error", err)
		}
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set stores bytes under queryHash with the cache's configured TTL. A
// failure is logged and otherwise ignored.
func (c *Cache) Set(ctx context.Context, queryHash string, bytes int64) {
	if err := c.rdb.Set(ctx, queryHash, strconv.FormatInt(bytes, 10), c.ttl).Err(); err != nil {
		logging.Op().Warn("advisorcache: set failed", "error", err)
	}
}
