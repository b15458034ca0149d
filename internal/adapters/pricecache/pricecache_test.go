package pricecache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alejandrodnm/satsale/internal/adapters/pricecache"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := pricecache.NewMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "btc_usd", decimal.RequireFromString("60000"), time.Minute))

	v, ok, err := c.Get(ctx, "btc_usd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Equal(decimal.RequireFromString("60000")))

	now = now.Add(time.Minute)
	_, ok, err = c.Get(ctx, "btc_usd")
	require.NoError(t, err)
	assert.False(t, ok, "expirado al cumplir el TTL")
}

func TestCache_SetGetDelete(t *testing.T) {
	caches := map[string]ports.PriceCache{"memory": pricecache.NewMemory()}
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { rdb.Close() })
		caches["redis"] = pricecache.NewRedis(rdb)
	}

	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "test:" + uuid.NewString()

			_, ok, err := c.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, key, decimal.RequireFromString("55555.55"), time.Minute))
			v, ok, err := c.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, v.Equal(decimal.RequireFromString("55555.55")))

			require.NoError(t, c.Delete(ctx, key))
			_, ok, err = c.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
