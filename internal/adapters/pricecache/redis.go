package pricecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const keyPrefix = "satsale:price:"

// Redis guarda los precios en Redis (SET EX) para que el fallback
// sobreviva reinicios y se comparta entre procesos.
type Redis struct {
	rdb *redis.Client
}

// NewRedis crea la cache sobre un cliente ya conectado.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Get(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	raw, err := r.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("pricecache.Redis.Get: %s: %w", key, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("pricecache.Redis.Get: %s: parse %q: %w", key, raw, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, keyPrefix+key, value.String(), ttl).Err(); err != nil {
		return fmt.Errorf("pricecache.Redis.Set: %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("pricecache.Redis.Delete: %s: %w", key, err)
	}
	return nil
}
