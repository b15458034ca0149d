package admission

// admission.go — validación y encolado de pledges.
//
// La admisión solo comprueba los límites de importe; el techo se decide en el
// settlement, que es el único punto con el running total autoritativo.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
)

const (
	defaultMaxRetries = 3
	retryWait         = 20 * time.Millisecond
)

// Service admite pledges en la cola de settlement.
type Service struct {
	auctions   ports.SaleStorage
	queue      ports.PledgeQueue
	ids        *IDGenerator
	maxRetries int
	now        func() time.Time
}

// New crea el servicio de admisión.
func New(auctions ports.SaleStorage, queue ports.PledgeQueue) *Service {
	return &Service{
		auctions:   auctions,
		queue:      queue,
		ids:        NewIDGenerator(),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
}

// Enqueue valida el pledge, le asigna id si no trae uno y lo encola.
//
// Errores: domain.ErrInvalidAmount (fuera de [min, max]), domain.ErrDuplicateEnqueue,
// domain.ErrAuctionNotFound. Un conflicto de persistencia se reintenta aquí.
func (s *Service) Enqueue(ctx context.Context, p domain.Pledge) (domain.QueueEntry, error) {
	auction, err := s.auctions.GetAuction(ctx, p.AuctionID)
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("admission.Enqueue: %w", err)
	}
	if !auction.InBounds(p.Amount) {
		return domain.QueueEntry{}, fmt.Errorf("admission.Enqueue: %d sats outside [%d, %d]: %w",
			p.Amount, auction.MinPledge, auction.MaxPledge, domain.ErrInvalidAmount)
	}
	if p.ParticipantID == "" {
		return domain.QueueEntry{}, fmt.Errorf("admission.Enqueue: participant id required")
	}

	now := s.now().UTC()
	if p.ID == "" {
		if p.ID, err = s.ids.New(now); err != nil {
			return domain.QueueEntry{}, fmt.Errorf("admission.Enqueue: %w", err)
		}
	}
	p.Status = domain.PledgeStatusQueued
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	var entry domain.QueueEntry
	for attempt := 0; ; attempt++ {
		entry, err = s.queue.Enqueue(ctx, p)
		if err == nil || !errors.Is(err, domain.ErrPersistenceConflict) || attempt >= s.maxRetries {
			break
		}
		slog.Debug("enqueue conflict, retrying", "pledge_id", p.ID, "attempt", attempt+1)
		select {
		case <-time.After(retryWait * time.Duration(attempt+1)):
		case <-ctx.Done():
			return domain.QueueEntry{}, fmt.Errorf("admission.Enqueue: %w", ctx.Err())
		}
	}
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("admission.Enqueue: %w", err)
	}

	slog.Info("pledge enqueued",
		"auction_id", p.AuctionID,
		"pledge_id", p.ID,
		"participant_id", p.ParticipantID,
		"amount", p.Amount.String(),
		"sequence", entry.Sequence,
	)
	if auction.Closed(now) {
		slog.Info("pledge admitted after close, will be refunded", "pledge_id", p.ID)
	}
	return entry, nil
}
