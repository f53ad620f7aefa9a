package quotacache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Balance is the cached, derived view of a tenant's balance, tagged with
// the ledger version it was derived from.
type Balance struct {
	Balance int64 `json:"balance"`
	Version int64 `json:"version"`
}

// Config holds cache tuning knobs.
type Config struct {
	// TTL bounds how stale a cached balance may be.
	TTL time.Duration
	// L1Size is the max entry count of the in-process cache layer.
	L1Size int
	// KeyPrefix namespaces Redis keys, e.g. "tokend".
	KeyPrefix string
}

// DefaultConfig returns conservative cache settings.
func DefaultConfig() Config {
	return Config{
		TTL:       5 * time.Second,
		L1Size:    10000,
		KeyPrefix: "tokend",
	}
}

// Cache is a two-level balance cache: an in-process expirable LRU in front
// of a shared Redis view. Redis may be nil, in which case only the local
// layer is used.
type Cache struct {
	client *redis.Client
	l1     *lru.LRU[string, Balance]
	config Config
}

// New creates a cache. The Redis client may be nil for standalone runs.
func New(client *redis.Client, config Config) *Cache {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.L1Size <= 0 {
		config.L1Size = DefaultConfig().L1Size
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Cache{
		client: client,
		l1:     lru.NewLRU[string, Balance](config.L1Size, nil, config.TTL),
		config: config,
	}
}

func (c *Cache) key(tenantID string) string {
	return fmt.Sprintf("%s:balance:%s", c.config.KeyPrefix, tenantID)
}

// Peek returns the cached balance for a tenant, or ok=false on a miss.
// Redis errors are treated as misses; the cache is advisory.
func (c *Cache) Peek(ctx context.Context, tenantID string) (Balance, bool) {
	if b, ok := c.l1.Get(tenantID); ok {
		return b, true
	}
	if c.client == nil {
		return Balance{}, false
	}

	data, err := c.client.Get(ctx, c.key(tenantID)).Result()
	if err == redis.Nil {
		return Balance{}, false
	} else if err != nil {
		return Balance{}, false
	}

	var b Balance
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		// Corrupt data, drop it.
		c.client.Del(ctx, c.key(tenantID))
		return Balance{}, false
	}

	c.l1.Add(tenantID, b)
	return b, true
}

// Set stores a balance snapshot. A snapshot older than the one already
// cached (by version) is discarded so late writers cannot roll the view
// backwards.
func (c *Cache) Set(ctx context.Context, tenantID string, b Balance) error {
	if cur, ok := c.l1.Get(tenantID); ok && cur.Version > b.Version {
		return nil
	}
	c.l1.Add(tenantID, b)

	if c.client == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tenantID), data, c.config.TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate removes a tenant's cached balance from both layers. Called
// after every successful local mutation.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	c.l1.Remove(tenantID)
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity. Nil client is healthy (local-only mode).
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
