package allocation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
)

// Service calcula y persiste el reparto de tokens de una venta cerrada.
// Corre una sola vez por subasta: las llamadas siguientes devuelven lo guardado.
type Service struct {
	store  ports.SaleStorage
	oracle ports.PriceOracle
}

// New crea el servicio.
func New(store ports.SaleStorage, oracle ports.PriceOracle) *Service {
	return &Service{store: store, oracle: oracle}
}

// Run devuelve el reparto de auctionID, calculándolo si aún no existe.
// Requiere la subasta cerrada (domain.ErrAuctionNotCompleted si no).
func (s *Service) Run(ctx context.Context, auctionID string) (domain.AllocationResult, error) {
	if r, ok, err := s.store.GetAllocation(ctx, auctionID); err != nil {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
	} else if ok {
		return r, nil
	}

	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
	}
	if !a.IsCompleted {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %s: %w", auctionID, domain.ErrAuctionNotCompleted)
	}

	// El cierre por tiempo puede haber ocurrido sin precio: se toma uno ahora, una sola vez.
	if a.FinalPrice.Sign() <= 0 {
		price, err := s.oracle.Price(ctx)
		if err != nil {
			return domain.AllocationResult{}, fmt.Errorf("allocation.Run: final price: %w", err)
		}
		if a, err = s.store.SetFinalPrice(ctx, auctionID, price); err != nil {
			return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
		}
	}

	byParticipant, err := s.store.SettledByParticipant(ctx, auctionID)
	if err != nil {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
	}

	r, err := domain.Allocate(a.TotalTokens, a.RunningTotal, a.FinalPrice, byParticipant)
	if err != nil {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
	}
	r.AuctionID = auctionID

	if err := s.store.SaveAllocation(ctx, r); err != nil {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
	}
	// Otro proceso pudo guardar antes; lo persistido manda.
	stored, ok, err := s.store.GetAllocation(ctx, auctionID)
	if err != nil {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %w", err)
	}
	if !ok {
		return domain.AllocationResult{}, fmt.Errorf("allocation.Run: %s: allocation not persisted", auctionID)
	}

	slog.Info("allocation computed",
		"auction_id", auctionID,
		"participants", len(stored.Allocations),
		"distributed", stored.Distributed(),
		"total_tokens", stored.TotalTokens,
		"token_price_usd", stored.TokenPriceUSD.String(),
	)
	return stored, nil
}
