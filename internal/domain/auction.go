package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CompletionReason indica por qué cerró la venta.
type CompletionReason string

const (
	CompletionNone    CompletionReason = ""
	CompletionCeiling CompletionReason = "ceiling"
	CompletionTime    CompletionReason = "time"
)

// Auction es el agregado de una venta en curso. Vive como fila en la base de datos;
// RunningTotal solo lo modifica un commit de settlement, en la misma transacción
// que el cambio de status del pledge.
type Auction struct {
	ID            string
	TotalTokens   int64           // supply ofrecido, en unidades enteras de token
	CeilingUSD    decimal.Decimal // market cap máximo
	RunningTotal  Sats            // suma de pledges settled (no decreciente)
	TotalRefunded Sats
	MinPledge     Sats
	MaxPledge     Sats
	StartTime     time.Time
	EndTime       time.Time
	IsActive      bool
	IsCompleted   bool
	Network       string // mainnet | testnet | regtest

	NextSequence     int64           // última secuencia asignada en la cola
	FinalPrice       decimal.Decimal // snapshot de precio al cierre (cero si aún no hay)
	CompletedAt      *time.Time
	CompletionReason CompletionReason
}

// MarketCapUSD devuelve el market cap actual con el precio dado.
func (a Auction) MarketCapUSD(price decimal.Decimal) decimal.Decimal {
	return a.RunningTotal.USD(price)
}

// Expired devuelve true si la hora de fin ya pasó.
func (a Auction) Expired(now time.Time) bool {
	return !a.EndTime.IsZero() && !now.Before(a.EndTime)
}

// Closed devuelve true si la venta ya no acepta BTC: completada o expirada.
// Todo pledge que se drene de la cola en este estado termina en refund.
func (a Auction) Closed(now time.Time) bool {
	return a.IsCompleted || a.Expired(now)
}

// InBounds comprueba minPledge ≤ amount ≤ maxPledge.
// Un MaxPledge de 0 significa sin límite superior.
func (a Auction) InBounds(amount Sats) bool {
	if amount <= 0 || amount < a.MinPledge {
		return false
	}
	if a.MaxPledge > 0 && amount > a.MaxPledge {
		return false
	}
	return true
}

// CeilingReached devuelve true si con ese precio el market cap llegó al techo.
func (a Auction) CeilingReached(price decimal.Decimal) bool {
	if price.Sign() <= 0 {
		return false
	}
	return a.MarketCapUSD(price).GreaterThanOrEqual(a.CeilingUSD)
}
