package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/shopspring/decimal"
)

// PledgeQueue es la cola FIFO durable de pledges pendientes de settlement,
// más el processed set que hace idempotente el replay.
type PledgeQueue interface {
	// Enqueue crea el pledge (status=queued) y le asigna la siguiente secuencia,
	// todo en una transacción. Id repetido → domain.ErrDuplicateEnqueue.
	Enqueue(ctx context.Context, pledge domain.Pledge) (domain.QueueEntry, error)

	// Head devuelve la entrada de menor secuencia que no está en el processed set.
	// ok=false si la cola está vacía.
	Head(ctx context.Context, auctionID string) (entry domain.QueueEntry, pledge domain.Pledge, ok bool, err error)

	// Depth cuenta las entradas aún no procesadas.
	Depth(ctx context.Context, auctionID string) (int, error)

	// IsProcessed indica si el pledge ya tiene un resultado terminal.
	IsProcessed(ctx context.Context, pledgeID string) (bool, error)

	// Clear borra la cola y el processed set de la subasta (tooling administrativo).
	Clear(ctx context.Context, auctionID string) error
}

// SaleStorage persiste subastas, pledges y allocations.
type SaleStorage interface {
	// CreateAuction inserta la subasta si no existe. created=false si ya existía.
	CreateAuction(ctx context.Context, a domain.Auction) (created bool, err error)
	GetAuction(ctx context.Context, id string) (domain.Auction, error)

	// CommitSettlement aplica la decisión en una sola transacción y devuelve
	// el agregado actualizado. Si el pledge ya estaba procesado devuelve
	// applied=false sin tocar nada.
	CommitSettlement(ctx context.Context, c domain.Commit) (a domain.Auction, applied bool, err error)

	// CompleteAuction marca la subasta como cerrada. No-op si ya lo estaba.
	CompleteAuction(ctx context.Context, id string, reason domain.CompletionReason, finalPrice decimal.Decimal, at time.Time) (domain.Auction, error)

	// SetFinalPrice guarda el snapshot de precio final si aún no hay uno.
	SetFinalPrice(ctx context.Context, id string, price decimal.Decimal) (domain.Auction, error)

	GetPledge(ctx context.Context, id string) (domain.Pledge, error)
	ListPledges(ctx context.Context, auctionID string, status domain.PledgeStatus) ([]domain.Pledge, error)
	RecordConfirmation(ctx context.Context, pledgeID, txID string, confirmations int, verified bool) error

	// SettledByParticipant agrupa los sats settled por participante.
	SettledByParticipant(ctx context.Context, auctionID string) (map[string]domain.Sats, error)

	// SaveAllocation persiste el reparto una sola vez; GetAllocation devuelve ok=false si no existe.
	SaveAllocation(ctx context.Context, r domain.AllocationResult) error
	GetAllocation(ctx context.Context, auctionID string) (r domain.AllocationResult, ok bool, err error)

	Close() error
}
