package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const stockCacheVersionKey = "inventory:stock:version"

// StockCache is a read-side cache for stock-level lookups. Keys are
// versioned; every committed mutation bumps the version, invalidating all
// cached records at once. The mutator's read-modify-write path never
// consults the cache.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewStockCache instantiates the cache helper.
func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	return &StockCache{client: client, ttl: ttl}
}

func (c *StockCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, stockCacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, stockCacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *StockCache) key(ctx context.Context, productID, locationID int64) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("inventory:stock:v%d:%d:%d", ver, productID, locationID), nil
}

// GetRecord returns a cached record when present.
func (c *StockCache) GetRecord(ctx context.Context, productID, locationID int64) (StockRecord, bool) {
	if c == nil || c.client == nil {
		return StockRecord{}, false
	}
	key, err := c.key(ctx, productID, locationID)
	if err != nil {
		return StockRecord{}, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return StockRecord{}, false
	}
	var rec StockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StockRecord{}, false
	}
	return rec, true
}

// LoadShared loads a record through singleflight so concurrent lookups for
// the same key hit the database once, then caches the result.
func (c *StockCache) LoadShared(ctx context.Context, productID, locationID int64, load func(context.Context) (StockRecord, error)) (StockRecord, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	flightKey := fmt.Sprintf("%d:%d", productID, locationID)
	result, err, _ := c.group.Do(flightKey, func() (any, error) {
		rec, err := load(ctx)
		if err != nil {
			return StockRecord{}, err
		}
		c.setRecord(ctx, rec)
		return rec, nil
	})
	if err != nil {
		return StockRecord{}, err
	}
	return result.(StockRecord), nil
}

func (c *StockCache) setRecord(ctx context.Context, rec StockRecord) {
	key, err := c.key(ctx, rec.ProductID, rec.LocationID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Bump invalidates every cached record by incrementing the version.
func (c *StockCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, stockCacheVersionKey).Err()
}
