package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PledgeStatus es el ciclo de vida de un pledge dentro del pipeline de settlement.
type PledgeStatus string

const (
	PledgeStatusPending    PledgeStatus = "pending"
	PledgeStatusQueued     PledgeStatus = "queued"
	PledgeStatusProcessing PledgeStatus = "processing"
	PledgeStatusSettled    PledgeStatus = "settled"
	PledgeStatusRefunded   PledgeStatus = "refunded"
	PledgeStatusFailed     PledgeStatus = "failed"
)

// IsTerminal devuelve true si el status ya no cambia (settled, refunded, failed).
func (s PledgeStatus) IsTerminal() bool {
	switch s {
	case PledgeStatusSettled, PledgeStatusRefunded, PledgeStatusFailed:
		return true
	}
	return false
}

// Pledge es una aportación en BTC de un participante.
type Pledge struct {
	ID             string // ULID asignado en la admisión (ordenable)
	AuctionID      string
	ParticipantID  string
	Amount         Sats
	DepositAddress string
	TxID           string // opcional hasta que el watcher lo ve on-chain
	Status         PledgeStatus
	Verified       bool // fondos confirmados on-chain
	NeedsRefund    bool
	Confirmations  int
	CreatedAt      time.Time

	SettledAt    *time.Time      // momento del settlement o refund
	SettlePrice  decimal.Decimal // USD/BTC usado en la decisión (cero si no hubo)
	RefundReason string
}

// QueueEntry envuelve un pledge con su número de secuencia.
// La secuencia es la única clave de orden para el settlement; nunca el timestamp.
type QueueEntry struct {
	AuctionID  string
	Sequence   int64
	PledgeID   string
	EnqueuedAt time.Time
}
