// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"clawgate/platform/shared/logger"
)

// DefaultCacheTTL bounds balance staleness on the metered relay's hot path.
// The cost of staleness is bounded by how much usage one request can incur,
// so a few seconds is acceptable.
const DefaultCacheTTL = 5 * time.Second

// Cache is a redis-backed read-through cache over the credit repository.
// Redis failures fall through to the database (fail open toward the
// authoritative store, never toward a stale answer).
type Cache struct {
	repo  Repository
	redis *redis.Client
	ttl   time.Duration
	log   *logger.Logger
}

// NewCache creates a balance cache. A nil redis client degrades to direct
// repository reads.
func NewCache(repo Repository, rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		repo:  repo,
		redis: rdb,
		ttl:   ttl,
		log:   logger.New("credits-cache"),
	}
}

func cacheKey(userID string) string {
	return "credits:balance:" + userID
}

// Get returns the balance, served from cache when fresh
func (c *Cache) Get(ctx context.Context, userID string) (*Balance, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, cacheKey(userID)).Bytes()
		if err == nil {
			var b Balance
			if jsonErr := json.Unmarshal(data, &b); jsonErr == nil {
				return &b, nil
			}
		} else if err != redis.Nil {
			c.log.Warn(userID, "", "redis balance read failed, falling back to database", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	b, err := c.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, b)
	return b, nil
}

// Deduct forwards to the repository and drops the cached entry so the next
// read observes the post-charge balance.
func (c *Cache) Deduct(ctx context.Context, userID string, amountUSD float64) (float64, error) {
	charged, err := c.repo.Deduct(ctx, userID, amountUSD)
	if err != nil {
		return 0, err
	}

	c.Invalidate(ctx, userID)
	return charged, nil
}

// SetCredits forwards to the repository and invalidates the cache
func (c *Cache) SetCredits(ctx context.Context, userID string, amountUSD, capUSD float64) error {
	if err := c.repo.SetCredits(ctx, userID, amountUSD, capUSD); err != nil {
		return err
	}

	c.Invalidate(ctx, userID)
	return nil
}

// Invalidate drops the cached balance for a user
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, cacheKey(userID)).Err(); err != nil {
		c.log.Warn(userID, "", "redis balance invalidation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Ping checks both stores
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.repo.Ping(ctx); err != nil {
		return fmt.Errorf("credit store unreachable: %w", err)
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}
	return nil
}

func (c *Cache) store(ctx context.Context, b *Balance) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(b.UserID), data, c.ttl).Err(); err != nil {
		c.log.Warn(b.UserID, "", "redis balance write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
