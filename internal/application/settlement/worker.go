package settlement

// worker.go — settlement FCFS de la cabeza de cola.
//
// Un solo ProcessNext en vuelo por subasta (lease). Cada invocación:
// lease → head → precio → decisión → commit transaccional → evento.
// Cualquier fallo antes del commit deja la entrada en su sitio.
// Una venta expirada se marca completada en el mismo commit que su primer
// refund, o directamente si la cola está vacía.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Result es lo que devuelve ProcessNext.
type Result struct {
	Outcome  domain.Outcome
	Pledge   domain.Pledge
	Sequence int64
	Delta    domain.Sats
	Price    decimal.Decimal
	Auction  domain.Auction // agregado tras el commit (vacío si la cola estaba vacía y la venta abierta)
}

// Worker procesa la cola de una subasta pledge a pledge.
type Worker struct {
	queue    ports.PledgeQueue
	store    ports.SaleStorage
	oracle   ports.PriceOracle
	locker   ports.Locker
	notifier ports.Notifier
	now      func() time.Time
}

// NewWorker crea el worker. notifier puede ser nil.
func NewWorker(queue ports.PledgeQueue, store ports.SaleStorage, oracle ports.PriceOracle, locker ports.Locker, notifier ports.Notifier) *Worker {
	return &Worker{
		queue:    queue,
		store:    store,
		oracle:   oracle,
		locker:   locker,
		notifier: notifier,
		now:      time.Now,
	}
}

// ProcessNext decide y aplica el pledge en cabeza de cola.
//
// ceilingUSD y runningTotal son los valores que el llamador leyó del agregado;
// el commit falla con domain.ErrPersistenceConflict si el running total se movió.
// Errores reintentables: ErrLockContention, ErrPriceUnavailable, ErrPersistenceConflict.
func (w *Worker) ProcessNext(ctx context.Context, auctionID string, ceilingUSD decimal.Decimal, runningTotal domain.Sats) (Result, error) {
	lease, err := w.locker.Acquire(ctx, auctionID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement.ProcessNext: %s: %w", auctionID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("settlement lease release failed", "auction_id", auctionID, "err", err)
		}
	}()

	entry, pledge, ok, err := w.queue.Head(ctx, auctionID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement.ProcessNext: head: %w", err)
	}
	if !ok {
		// Sin pledges que drenar, una venta expirada se cierra aquí mismo.
		after, _, err := w.closeExpired(ctx, auctionID)
		if err != nil {
			return Result{}, fmt.Errorf("settlement.ProcessNext: %w", err)
		}
		return Result{Outcome: domain.OutcomeEmpty, Auction: after}, nil
	}

	auction, err := w.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement.ProcessNext: %w", err)
	}

	now := w.now().UTC()
	var (
		decision domain.Decision
		closing  domain.CompletionReason
	)
	if auction.Closed(now) {
		decision = domain.DecideClosed()
		if !auction.IsCompleted {
			closing = domain.CompletionTime
		}
	} else {
		price, err := w.oracle.Price(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("settlement.ProcessNext: pledge %s: %w", pledge.ID, err)
		}
		decision = domain.Decide(ceilingUSD, runningTotal, pledge.Amount, price)
	}

	after, applied, err := w.store.CommitSettlement(ctx, domain.Commit{
		AuctionID:            auctionID,
		Entry:                entry,
		PledgeID:             pledge.ID,
		Amount:               pledge.Amount,
		Decision:             decision,
		ExpectedRunningTotal: runningTotal,
		At:                   now,
		Close:                closing,
	})
	if err != nil {
		return Result{}, fmt.Errorf("settlement.ProcessNext: %w", err)
	}
	if !applied {
		slog.Debug("pledge already processed", "auction_id", auctionID, "pledge_id", pledge.ID, "sequence", entry.Sequence)
		return Result{Outcome: domain.OutcomeReplayed, Sequence: entry.Sequence, Auction: after}, nil
	}

	pledge.Status = domain.PledgeStatusSettled
	if decision.Outcome == domain.OutcomeRefunded {
		pledge.Status = domain.PledgeStatusRefunded
		pledge.NeedsRefund = true
		pledge.RefundReason = decision.RefundReason
	}
	pledge.SettledAt = &now
	pledge.SettlePrice = decision.Price

	res := Result{
		Outcome:  decision.Outcome,
		Pledge:   pledge,
		Sequence: entry.Sequence,
		Delta:    decision.Delta,
		Price:    decision.Price,
		Auction:  after,
	}
	w.logResult(res, decision)
	w.emit(ctx, res, decision)
	if !auction.IsCompleted && after.IsCompleted {
		w.completed(ctx, after, now)
	}
	return res, nil
}

// CloseExpired cierra por tiempo una venta que pasó su end time. Devuelve el
// agregado y true si la cerró en esta llamada. El snapshot de precio se intenta;
// sin precio queda a cero y la allocation lo fija después.
func (w *Worker) CloseExpired(ctx context.Context, auctionID string) (domain.Auction, bool, error) {
	a, closed, err := w.closeExpired(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, false, fmt.Errorf("settlement.CloseExpired: %w", err)
	}
	return a, closed, nil
}

func (w *Worker) closeExpired(ctx context.Context, auctionID string) (domain.Auction, bool, error) {
	a, err := w.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, false, err
	}
	now := w.now().UTC()
	if a.IsCompleted || !a.Expired(now) {
		return a, false, nil
	}

	price, err := w.oracle.Price(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrPriceUnavailable) {
			return domain.Auction{}, false, err
		}
		slog.Warn("auction closed without price snapshot", "auction_id", auctionID, "err", err)
		price = decimal.Zero
	}

	after, err := w.store.CompleteAuction(ctx, auctionID, domain.CompletionTime, price, now)
	if err != nil {
		return domain.Auction{}, false, err
	}
	w.completed(ctx, after, now)
	return after, true, nil
}

func (w *Worker) completed(ctx context.Context, a domain.Auction, at time.Time) {
	slog.Info("auction completed",
		"auction_id", a.ID,
		"reason", string(a.CompletionReason),
		"running_total", a.RunningTotal.String(),
		"final_price", a.FinalPrice.String(),
	)
	w.publish(ctx, completionEvent(a, at))
}

func (w *Worker) logResult(res Result, d domain.Decision) {
	attrs := []any{
		"auction_id", res.Auction.ID,
		"pledge_id", res.Pledge.ID,
		"sequence", res.Sequence,
		"amount", res.Pledge.Amount.String(),
		"price", res.Price.String(),
		"running_total", res.Auction.RunningTotal.String(),
	}
	if res.Outcome == domain.OutcomeSettled {
		slog.Info("pledge settled", append(attrs, "prospective_cap", d.ProspectiveCap.StringFixed(2))...)
		return
	}
	slog.Info("pledge refunded", append(attrs, "reason", d.RefundReason)...)
}

func (w *Worker) emit(ctx context.Context, res Result, d domain.Decision) {
	kind := domain.EventSettled
	if res.Outcome == domain.OutcomeRefunded {
		kind = domain.EventRefunded
	}
	w.publish(ctx, domain.SettlementEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		AuctionID:    res.Auction.ID,
		Pledge:       res.Pledge,
		Sequence:     res.Sequence,
		Delta:        res.Delta,
		Price:        res.Price,
		RunningTotal: res.Auction.RunningTotal,
		Reason:       d.RefundReason,
		At:           *res.Pledge.SettledAt,
	})
}

// publish entrega el evento; un fallo del notifier solo se loguea.
func (w *Worker) publish(ctx context.Context, ev domain.SettlementEvent) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("notifier error", "event", string(ev.Kind), "auction_id", ev.AuctionID, "err", err)
	}
}

func completionEvent(a domain.Auction, at time.Time) domain.SettlementEvent {
	return domain.SettlementEvent{
		ID:           uuid.NewString(),
		Kind:         domain.EventCompleted,
		AuctionID:    a.ID,
		Price:        a.FinalPrice,
		RunningTotal: a.RunningTotal,
		Reason:       string(a.CompletionReason),
		At:           at,
	}
}
