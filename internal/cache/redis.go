// Package cache implements the pool's ephemeral Redis-backed state:
// duplicate-block-submission dedupe keys and cached dashboard aggregates.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Cache.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Cache wraps a Redis client with the pool's key scheme.
type Cache struct {
	client *redis.Client
	prefix string
}

// New constructs a Cache and verifies connectivity with a bounded ping.
func New(cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     50,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{client: client, prefix: cfg.KeyPrefix}, nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += p + ":"
	}
	return k[:len(k)-1]
}

// MarkSubmitted records a block-submission dedupe key for a height so a
// concurrent resubmission of the same height (e.g. two pool instances
// racing on the same daemon) is detected cheaply before hitting the
// database, TTL-bounded so a stuck key self-heals.
func (c *Cache) MarkSubmitted(ctx context.Context, height uint64) (firstSeen bool, err error) {
	key := c.key("submit", fmt.Sprintf("%d", height))
	ok, err := c.client.SetNX(ctx, key, "1", 10*time.Minute).Result()
	if err != nil {
		return false, fmt.Errorf("marking submission dedupe key: %w", err)
	}
	return ok, nil
}

// PoolStats is the cached snapshot backing GET /api/pool/stats.
type PoolStats struct {
	ConnectedMiners int     `json:"connectedMiners"`
	PoolHashrate    float64 `json:"poolHashrate"`
	CachedAt        time.Time `json:"cachedAt"`
}

// poolStatsTTL bounds how stale a cached dashboard read can be.
const poolStatsTTL = 10 * time.Second

// GetPoolStats returns the cached pool stats snapshot, or nil on a cache
// miss (not an error — the caller recomputes and calls SetPoolStats).
func (c *Cache) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	data, err := c.client.Get(ctx, c.key("pool", "stats")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached pool stats: %w", err)
	}
	var stats PoolStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("decoding cached pool stats: %w", err)
	}
	return &stats, nil
}

// SetPoolStats caches a freshly computed pool stats snapshot.
func (c *Cache) SetPoolStats(ctx context.Context, stats PoolStats) error {
	stats.CachedAt = time.Now()
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding pool stats: %w", err)
	}
	return c.client.Set(ctx, c.key("pool", "stats"), data, poolStatsTTL).Err()
}

// HealthCheck reports whether the Redis connection is usable.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
