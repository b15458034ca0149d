package settlement

// runner.go — loop de drenado de la cola.
//
// Cada ciclo: cierre por tiempo si toca → ProcessNext hasta vaciar la cola
// (o agotar el batch). Los errores reintentables alargan la espera con
// backoff exponencial; el estado nunca se toca en un fallo.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
)

const (
	defaultInterval   = time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultBatchSize  = 100
	baseBackoff       = 500 * time.Millisecond
)

// RunnerConfig controla el ritmo del loop.
type RunnerConfig struct {
	Interval   time.Duration // espera entre ciclos con la cola vacía
	MaxBackoff time.Duration // tope del backoff ante errores reintentables
	BatchSize  int           // máximo de pledges por ciclo
}

// Runner drena la cola de una subasta con un Worker.
type Runner struct {
	cfg    RunnerConfig
	worker *Worker
	store  ports.SaleStorage
}

// NewRunner crea el loop. Los valores de cfg a cero toman el default.
// El cierre por tiempo y sus eventos los hace el worker.
func NewRunner(cfg RunnerConfig, worker *Worker, store ports.SaleStorage) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Runner{cfg: cfg, worker: worker, store: store}
}

// Run drena la cola hasta que ctx se cancele.
func (r *Runner) Run(ctx context.Context, auctionID string) error {
	slog.Info("settlement runner starting",
		"auction_id", auctionID,
		"interval", r.cfg.Interval,
		"batch", r.cfg.BatchSize,
	)

	failures := 0
	for {
		n, err := r.Drain(ctx, auctionID)
		wait := r.cfg.Interval
		switch {
		case err == nil:
			failures = 0
			if n == r.cfg.BatchSize {
				wait = 0 // quedan pledges: seguir sin esperar
			}
		case ctx.Err() != nil:
		case domain.IsRetryable(err):
			failures++
			wait = r.backoff(failures)
			slog.Warn("settlement cycle retry", "auction_id", auctionID, "attempt", failures, "wait", wait, "err", err)
		default:
			failures = 0
			slog.Error("settlement cycle failed", "auction_id", auctionID, "err", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("settlement runner stopped", "auction_id", auctionID)
			return nil
		case <-time.After(wait):
		}
	}
}

// Drain hace un ciclo: cierre por tiempo y hasta BatchSize pledges.
// Devuelve cuántos pledges se resolvieron.
func (r *Runner) Drain(ctx context.Context, auctionID string) (int, error) {
	if _, err := r.CheckCompletion(ctx, auctionID); err != nil {
		return 0, err
	}

	processed := 0
	for processed < r.cfg.BatchSize {
		a, err := r.store.GetAuction(ctx, auctionID)
		if err != nil {
			return processed, fmt.Errorf("settlement.Drain: %w", err)
		}
		res, err := r.worker.ProcessNext(ctx, auctionID, a.CeilingUSD, a.RunningTotal)
		if err != nil {
			return processed, err
		}
		switch res.Outcome {
		case domain.OutcomeEmpty:
			return processed, nil
		case domain.OutcomeReplayed:
			// la entrada se purgó: seguir con la siguiente cabeza
			continue
		}
		processed++
	}
	return processed, nil
}

// CheckCompletion cierra la subasta si pasó su end time. Devuelve true si la cerró ahora.
// El snapshot de precio se intenta aquí; si el oracle falla queda para la allocation.
func (r *Runner) CheckCompletion(ctx context.Context, auctionID string) (bool, error) {
	_, closed, err := r.worker.CloseExpired(ctx, auctionID)
	return closed, err
}

// backoff: 500ms, 1s, 2s, ... hasta MaxBackoff.
func (r *Runner) backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}
