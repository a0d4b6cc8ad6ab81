package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *StockCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStockCache(client, time.Minute)
}

func TestStockCacheLoadAndHit(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	loads := 0
	rec, err := cache.LoadShared(ctx, 1, 2, func(context.Context) (StockRecord, error) {
		loads++
		return StockRecord{ProductID: 1, LocationID: 2, Quantity: 42}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.Quantity)
	require.Equal(t, 1, loads)

	cached, ok := cache.GetRecord(ctx, 1, 2)
	require.True(t, ok)
	require.Equal(t, int64(42), cached.Quantity)
}

func TestStockCacheBumpInvalidates(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	_, err := cache.LoadShared(ctx, 1, 2, func(context.Context) (StockRecord, error) {
		return StockRecord{ProductID: 1, LocationID: 2, Quantity: 10}, nil
	})
	require.NoError(t, err)

	require.NoError(t, cache.Bump(ctx))

	_, ok := cache.GetRecord(ctx, 1, 2)
	require.False(t, ok)
}

func TestStockCacheNilSafe(t *testing.T) {
	var cache *StockCache
	ctx := context.Background()

	require.NoError(t, cache.Bump(ctx))
	_, ok := cache.GetRecord(ctx, 1, 1)
	require.False(t, ok)

	rec, err := cache.LoadShared(ctx, 1, 1, func(context.Context) (StockRecord, error) {
		return StockRecord{Quantity: 7}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.Quantity)
}
