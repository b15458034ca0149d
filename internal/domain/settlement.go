package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome es el resultado de una invocación de ProcessNext.
type Outcome string

const (
	OutcomeEmpty    Outcome = "empty"
	OutcomeSettled  Outcome = "settled"
	OutcomeRefunded Outcome = "refunded"

	// OutcomeReplayed: la cabeza ya estaba en el processed set; se purgó sin
	// cambios y detrás puede haber más entradas.
	OutcomeReplayed Outcome = "replayed"
)

const (
	RefundReasonCeiling = "ceiling exceeded"
	RefundReasonClosed  = "auction closed"
)

// Decision es la decisión de settlement para el pledge en cabeza de cola.
// Es función pura de (running total, amount, ceiling, price).
type Decision struct {
	Outcome        Outcome
	Delta          Sats            // lo que se suma al running total (0 en refund)
	ProspectiveCap decimal.Decimal // (runningTotal + amount) × price
	Price          decimal.Decimal
	RefundReason   string
}

// Decide aplica la regla todo-o-nada del techo:
//
//	prospectiveCap = (runningTotal + amount) × price
//	prospectiveCap ≤ ceiling → settle (delta = amount)
//	prospectiveCap > ceiling → refund (delta = 0)
//
// El techo es una cota cerrada: la igualdad se acepta. No hay fills parciales.
func Decide(ceilingUSD decimal.Decimal, runningTotal, amount Sats, price decimal.Decimal) Decision {
	prospective := (runningTotal + amount).USD(price)
	if prospective.LessThanOrEqual(ceilingUSD) {
		return Decision{
			Outcome:        OutcomeSettled,
			Delta:          amount,
			ProspectiveCap: prospective,
			Price:          price,
		}
	}
	return Decision{
		Outcome:        OutcomeRefunded,
		ProspectiveCap: prospective,
		Price:          price,
		RefundReason:   RefundReasonCeiling,
	}
}

// DecideClosed es la decisión para pledges drenados con la venta cerrada:
// siempre refund, sin consultar precio.
func DecideClosed() Decision {
	return Decision{Outcome: OutcomeRefunded, RefundReason: RefundReasonClosed}
}

// Commit es lo que el storage aplica en una sola transacción: processed set,
// status del pledge, running total (o total refunded), borrado de la entrada
// de cola y, si el techo se alcanzó con el precio de la decisión (sea settle o
// refund), el cierre de la subasta.
type Commit struct {
	AuctionID            string
	Entry                QueueEntry
	PledgeID             string
	Amount               Sats
	Decision             Decision
	ExpectedRunningTotal Sats // guard optimista: si no coincide → ErrPersistenceConflict
	At                   time.Time

	// Close cierra además la subasta con ese motivo (CompletionTime al drenar
	// una venta expirada). No-op si ya estaba cerrada.
	Close CompletionReason
}

// EventKind clasifica los eventos publicados al canal de notificaciones.
type EventKind string

const (
	EventSettled   EventKind = "pledge.settled"
	EventRefunded  EventKind = "pledge.refunded"
	EventCompleted EventKind = "auction.completed"
)

// SettlementEvent se publica (fire-and-forget) tras cada commit.
type SettlementEvent struct {
	ID           string // UUID
	Kind         EventKind
	AuctionID    string
	Pledge       Pledge
	Sequence     int64
	Delta        Sats
	Price        decimal.Decimal
	RunningTotal Sats // running total tras el commit
	Reason       string
	At           time.Time
}
