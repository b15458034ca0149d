package engine

// engine.go — fachada que expone el core a la aplicación que lo rodea
// (web, CLI, watcher de confirmaciones).

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/satsale/internal/application/admission"
	"github.com/alejandrodnm/satsale/internal/application/allocation"
	"github.com/alejandrodnm/satsale/internal/application/settlement"
	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/shopspring/decimal"
)

// PriceSource es el oracle visto desde la fachada: precio + invalidación administrativa.
type PriceSource interface {
	ports.PriceOracle
	Invalidate(ctx context.Context) error
}

// Deps agrupa los adapters ya construidos.
type Deps struct {
	Store    ports.SaleStorage
	Queue    ports.PledgeQueue
	Oracle   PriceSource
	Locker   ports.Locker
	Notifier ports.Notifier // opcional
}

// Engine es el punto de entrada de todas las operaciones de la venta.
type Engine struct {
	store      ports.SaleStorage
	queue      ports.PledgeQueue
	oracle     PriceSource
	admission  *admission.Service
	worker     *settlement.Worker
	allocation *allocation.Service
}

// New cablea los servicios de aplicación sobre los adapters.
func New(d Deps) *Engine {
	return &Engine{
		store:      d.Store,
		queue:      d.Queue,
		oracle:     d.Oracle,
		admission:  admission.New(d.Store, d.Queue),
		worker:     settlement.NewWorker(d.Queue, d.Store, d.Oracle, d.Locker, d.Notifier),
		allocation: allocation.New(d.Store, d.Oracle),
	}
}

// Snapshot es el estado de la venta para la UI.
type Snapshot struct {
	Auction      domain.Auction
	QueueDepth   int
	PriceUSD     decimal.Decimal // cero si el oracle no respondió
	MarketCapUSD decimal.Decimal
	Progress     decimal.Decimal // market cap / ceiling, 0..1+
}

// Runner devuelve el loop de settlement que comparte worker con la fachada.
func (e *Engine) Runner(cfg settlement.RunnerConfig) *settlement.Runner {
	return settlement.NewRunner(cfg, e.worker, e.store)
}

// CheckCompletion cierra por tiempo una venta expirada sin necesidad de un Runner.
// Devuelve true si la cerró en esta llamada.
func (e *Engine) CheckCompletion(ctx context.Context, auctionID string) (bool, error) {
	_, closed, err := e.worker.CloseExpired(ctx, auctionID)
	if err != nil {
		return false, fmt.Errorf("engine.CheckCompletion: %w", err)
	}
	return closed, nil
}

// ConfigureAuction crea la subasta si no existe y devuelve el agregado vigente.
// Reconfigurar una subasta existente no la modifica.
func (e *Engine) ConfigureAuction(ctx context.Context, a domain.Auction) (domain.Auction, bool, error) {
	if err := validateAuction(a); err != nil {
		return domain.Auction{}, false, fmt.Errorf("engine.ConfigureAuction: %w", err)
	}
	created, err := e.store.CreateAuction(ctx, a)
	if err != nil {
		return domain.Auction{}, false, fmt.Errorf("engine.ConfigureAuction: %w", err)
	}
	current, err := e.store.GetAuction(ctx, a.ID)
	if err != nil {
		return domain.Auction{}, false, fmt.Errorf("engine.ConfigureAuction: %w", err)
	}
	if created {
		slog.Info("auction configured",
			"auction_id", a.ID,
			"ceiling_usd", a.CeilingUSD.String(),
			"total_tokens", a.TotalTokens,
			"end_time", a.EndTime,
			"network", a.Network,
		)
	}
	return current, created, nil
}

// EnqueuePledge admite un pledge y devuelve su número de secuencia.
func (e *Engine) EnqueuePledge(ctx context.Context, p domain.Pledge) (int64, error) {
	entry, err := e.admission.Enqueue(ctx, p)
	if err != nil {
		return 0, err
	}
	return entry.Sequence, nil
}

// ProcessNextPledge resuelve el pledge en cabeza de cola.
func (e *Engine) ProcessNextPledge(ctx context.Context, auctionID string, ceilingUSD decimal.Decimal, runningTotal domain.Sats) (settlement.Result, error) {
	return e.worker.ProcessNext(ctx, auctionID, ceilingUSD, runningTotal)
}

// BitcoinPrice devuelve el precio USD/BTC actual.
func (e *Engine) BitcoinPrice(ctx context.Context) (decimal.Decimal, error) {
	return e.oracle.Price(ctx)
}

// InvalidatePrice fuerza un refresh en la siguiente consulta de precio.
func (e *Engine) InvalidatePrice(ctx context.Context) error {
	return e.oracle.Invalidate(ctx)
}

// ClearAll borra cola y processed set de la subasta (tooling de test/reseed).
func (e *Engine) ClearAll(ctx context.Context, auctionID string) error {
	if err := e.queue.Clear(ctx, auctionID); err != nil {
		return fmt.Errorf("engine.ClearAll: %w", err)
	}
	slog.Warn("settlement queue cleared", "auction_id", auctionID)
	return nil
}

// Snapshot devuelve el agregado, la profundidad de cola y el market cap actual.
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (Snapshot, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("engine.Snapshot: %w", err)
	}
	depth, err := e.queue.Depth(ctx, auctionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("engine.Snapshot: %w", err)
	}

	s := Snapshot{Auction: a, QueueDepth: depth}
	price, err := e.oracle.Price(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrPriceUnavailable) {
			return Snapshot{}, fmt.Errorf("engine.Snapshot: %w", err)
		}
		slog.Debug("snapshot without price", "auction_id", auctionID, "err", err)
		return s, nil
	}
	s.PriceUSD = price
	s.MarketCapUSD = a.MarketCapUSD(price)
	if a.CeilingUSD.Sign() > 0 {
		s.Progress = s.MarketCapUSD.Div(a.CeilingUSD)
	}
	return s, nil
}

// RecordConfirmation registra el estado on-chain de un pledge. No afecta al settlement.
func (e *Engine) RecordConfirmation(ctx context.Context, pledgeID, txID string, confirmations int, verified bool) error {
	if confirmations < 0 {
		return fmt.Errorf("engine.RecordConfirmation: negative confirmations %d", confirmations)
	}
	return e.store.RecordConfirmation(ctx, pledgeID, txID, confirmations, verified)
}

// Pledges lista los pledges de la subasta; status vacío = todos.
// Con PledgeStatusRefunded es la lista de devoluciones pendientes.
func (e *Engine) Pledges(ctx context.Context, auctionID string, status domain.PledgeStatus) ([]domain.Pledge, error) {
	return e.store.ListPledges(ctx, auctionID, status)
}

// Allocate calcula (una vez) y devuelve el reparto de tokens de una venta cerrada.
func (e *Engine) Allocate(ctx context.Context, auctionID string) (domain.AllocationResult, error) {
	return e.allocation.Run(ctx, auctionID)
}

func validateAuction(a domain.Auction) error {
	switch {
	case a.ID == "":
		return errors.New("auction id required")
	case a.TotalTokens <= 0:
		return fmt.Errorf("total tokens must be positive, got %d", a.TotalTokens)
	case a.CeilingUSD.Sign() <= 0:
		return fmt.Errorf("ceiling must be positive, got %s", a.CeilingUSD)
	case a.MinPledge < 0 || a.MaxPledge < 0:
		return errors.New("pledge bounds must be non-negative")
	case a.MaxPledge > 0 && a.MinPledge > a.MaxPledge:
		return fmt.Errorf("min pledge %d above max pledge %d", a.MinPledge, a.MaxPledge)
	case !a.StartTime.IsZero() && !a.EndTime.IsZero() && !a.EndTime.After(a.StartTime):
		return errors.New("end time must be after start time")
	}
	return nil
}
