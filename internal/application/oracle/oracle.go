package oracle

// oracle.go — precio BTC/USD robusto frente a un feed caído o desviado.
//
// Estrategia:
//   - Cache fresca (TTL corto): hit → sin red.
//   - Miss → un único refresh en vuelo (singleflight) consulta todos los feeds
//     en paralelo, cada uno con su timeout y todos bajo un timeout global.
//   - Mediana de los éxitos. Con quorum se escriben fresca y fallback.
//   - Por debajo del quorum se prefiere el fallback; si no hay, la mediana
//     degradada va solo a la cache fresca.
//   - Sin ningún éxito: fallback si existe, si no ErrPriceUnavailable.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	keyFresh    = "btc_usd:fresh"
	keyFallback = "btc_usd:fallback"

	defaultFreshTTL       = 30 * time.Minute
	defaultFallbackTTL    = 72 * time.Hour
	defaultFeedTimeout    = 5 * time.Second
	defaultOverallTimeout = 8 * time.Second
	defaultQuorum         = 2
)

// Config controla TTLs, timeouts y quorum del oracle.
type Config struct {
	FreshTTL       time.Duration
	FallbackTTL    time.Duration
	FeedTimeout    time.Duration
	OverallTimeout time.Duration
	Quorum         int
}

func (c *Config) setDefaults() {
	if c.FreshTTL <= 0 {
		c.FreshTTL = defaultFreshTTL
	}
	if c.FallbackTTL <= 0 {
		c.FallbackTTL = defaultFallbackTTL
	}
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = defaultFeedTimeout
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = defaultOverallTimeout
	}
	if c.Quorum <= 0 {
		c.Quorum = defaultQuorum
	}
}

// Oracle resuelve el precio BTC/USD a partir de varios feeds independientes.
type Oracle struct {
	cfg   Config
	feeds []ports.PriceFeed
	cache ports.PriceCache
	group singleflight.Group
}

// New crea el oracle. Los valores de cfg a cero toman el default.
func New(cfg Config, cache ports.PriceCache, feeds ...ports.PriceFeed) *Oracle {
	cfg.setDefaults()
	return &Oracle{cfg: cfg, feeds: feeds, cache: cache}
}

// Price devuelve el precio USD por BTC o domain.ErrPriceUnavailable.
func (o *Oracle) Price(ctx context.Context) (decimal.Decimal, error) {
	if v, ok := o.cached(ctx, keyFresh); ok {
		slog.Debug("btc price cache hit", "price", v.String())
		return v, nil
	}

	// El refresh compartido no debe morir si el primer llamador cancela.
	ch := o.group.DoChan("refresh", func() (any, error) {
		return o.refresh(context.WithoutCancel(ctx))
	})

	var cause error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(decimal.Decimal), nil
		}
		cause = res.Err
	case <-ctx.Done():
		cause = ctx.Err()
	}

	// Cada waiter consulta el fallback por su cuenta.
	if v, ok := o.cached(context.WithoutCancel(ctx), keyFallback); ok {
		slog.Warn("btc price refresh failed, serving fallback", "price", v.String(), "err", cause)
		return v, nil
	}
	return decimal.Zero, fmt.Errorf("oracle.Price: %w: %v", domain.ErrPriceUnavailable, cause)
}

// Invalidate descarta el valor fresco; el siguiente Price consultará los feeds.
func (o *Oracle) Invalidate(ctx context.Context) error {
	if err := o.cache.Delete(ctx, keyFresh); err != nil {
		return fmt.Errorf("oracle.Invalidate: %w", err)
	}
	return nil
}

// --- helpers internos ---

func (o *Oracle) refresh(ctx context.Context) (decimal.Decimal, error) {
	// otro refresh pudo llenar la cache entre nuestro miss y este punto
	if v, ok := o.cached(ctx, keyFresh); ok {
		return v, nil
	}

	samples := o.fetchAll(ctx)
	median, ok := domain.Median(samples)
	if !ok {
		slog.Warn("all btc price feeds failed", "feeds", len(o.feeds))
		return decimal.Zero, domain.ErrPriceUnavailable
	}

	if len(samples) < o.cfg.Quorum {
		if fb, ok := o.cached(ctx, keyFallback); ok {
			slog.Warn("btc price below quorum, serving fallback",
				"sources", len(samples), "quorum", o.cfg.Quorum, "median", median.String(), "fallback", fb.String())
			return fb, nil
		}
		slog.Warn("btc price below quorum, using degraded median",
			"sources", len(samples), "quorum", o.cfg.Quorum, "median", median.String())
		o.store(ctx, keyFresh, median, o.cfg.FreshTTL)
		return median, nil
	}

	o.store(ctx, keyFresh, median, o.cfg.FreshTTL)
	o.store(ctx, keyFallback, median, o.cfg.FallbackTTL)
	slog.Debug("btc price refreshed", "price", median.String(), "sources", len(samples))
	return median, nil
}

// fetchAll consulta todos los feeds en paralelo y devuelve solo los éxitos.
func (o *Oracle) fetchAll(ctx context.Context) []domain.PriceSample {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		samples = make([]domain.PriceSample, 0, len(o.feeds))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range o.feeds {
		f := f
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, o.cfg.FeedTimeout)
			defer cancel()

			s, err := f.FetchPrice(fctx)
			if err != nil {
				slog.Debug("price feed failed", "feed", f.Name(), "err", err)
				return nil // un feed caído no cancela a los demás
			}
			slog.Debug("price feed ok", "feed", f.Name(), "price", s.Value.String())
			mu.Lock()
			samples = append(samples, s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return samples
}

// cached lee la cache; un error del backend cuenta como miss.
func (o *Oracle) cached(ctx context.Context, key string) (decimal.Decimal, bool) {
	v, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("price cache read failed", "key", key, "err", err)
		return decimal.Zero, false
	}
	return v, ok
}

func (o *Oracle) store(ctx context.Context, key string, v decimal.Decimal, ttl time.Duration) {
	if err := o.cache.Set(ctx, key, v, ttl); err != nil {
		slog.Warn("price cache write failed", "key", key, "err", err)
	}
}
