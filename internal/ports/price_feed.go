package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceFeed es una fuente independiente de precio BTC/USD (un exchange).
type PriceFeed interface {
	Name() string

	// FetchPrice devuelve el precio actual. El oracle limita cada llamada
	// con su propio timeout vía ctx.
	FetchPrice(ctx context.Context) (domain.PriceSample, error)
}

// PriceCache guarda el precio resuelto por el oracle con TTL.
// Get devuelve ok=false si la key no existe o expiró.
type PriceCache interface {
	Get(ctx context.Context, key string) (value decimal.Decimal, ok bool, err error)
	Set(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PriceOracle resuelve el precio BTC/USD que usa el settlement.
// Devuelve domain.ErrPriceUnavailable si no hay ni feeds ni fallback.
type PriceOracle interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}
