package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Allocation es el reparto de tokens de un participante.
type Allocation struct {
	ParticipantID   string
	Settled         Sats            // suma de sus pledges settled (refunds no cuentan)
	ContributionUSD decimal.Decimal // Settled × finalPrice
	Tokens          int64           // unidades enteras de token
}

// AllocationResult es el reparto completo de una venta cerrada.
type AllocationResult struct {
	AuctionID     string
	TotalTokens   int64
	TotalSettled  Sats
	FinalPrice    decimal.Decimal
	TokenPriceUSD decimal.Decimal
	Allocations   []Allocation // ordenadas por ParticipantID
}

// Distributed devuelve la suma de tokens repartidos.
func (r AllocationResult) Distributed() int64 {
	var sum int64
	for _, a := range r.Allocations {
		sum += a.Tokens
	}
	return sum
}

// Allocate reparte totalTokens proporcionalmente a los sats settled de cada participante,
// con un único precio final para todos.
//
// Fórmula:
//
//	tokenPriceUSD = (totalSettled × finalPrice) / totalTokens
//	tokens_i      = (settled_i × finalPrice) / tokenPriceUSD = settled_i × totalTokens / totalSettled
//
// Los tokens son enteros: cada participante recibe el floor y las unidades sobrantes
// (menos que el número de participantes) van a los restos más grandes, desempatando
// por ParticipantID. Así la suma nunca pasa de totalTokens y es exacta cuando hay BTC settled.
func Allocate(totalTokens int64, totalSettled Sats, finalPrice decimal.Decimal, settledByParticipant map[string]Sats) (AllocationResult, error) {
	if totalTokens <= 0 {
		return AllocationResult{}, fmt.Errorf("domain.Allocate: total tokens must be positive, got %d", totalTokens)
	}
	if finalPrice.Sign() <= 0 {
		return AllocationResult{}, fmt.Errorf("domain.Allocate: final price must be positive, got %s", finalPrice)
	}

	var sum Sats
	for id, s := range settledByParticipant {
		if s < 0 {
			return AllocationResult{}, fmt.Errorf("domain.Allocate: negative settled amount for %q", id)
		}
		sum += s
	}
	if sum != totalSettled {
		return AllocationResult{}, fmt.Errorf("domain.Allocate: ledger mismatch: participants sum %d sats, running total %d sats", sum, totalSettled)
	}

	res := AllocationResult{
		TotalTokens:  totalTokens,
		TotalSettled: totalSettled,
		FinalPrice:   finalPrice,
	}
	if totalSettled == 0 {
		return res, nil
	}
	res.TokenPriceUSD = totalSettled.USD(finalPrice).Div(decimal.NewFromInt(totalTokens))

	type share struct {
		alloc Allocation
		rem   decimal.Decimal
	}

	tokens := decimal.NewFromInt(totalTokens)
	denom := decimal.NewFromInt(int64(totalSettled))
	shares := make([]share, 0, len(settledByParticipant))
	var floorSum int64
	for id, s := range settledByParticipant {
		if s == 0 {
			continue
		}
		q, r := decimal.NewFromInt(int64(s)).Mul(tokens).QuoRem(denom, 0)
		shares = append(shares, share{
			alloc: Allocation{
				ParticipantID:   id,
				Settled:         s,
				ContributionUSD: s.USD(finalPrice),
				Tokens:          q.IntPart(),
			},
			rem: r,
		})
		floorSum += q.IntPart()
	}

	// Restos más grandes primero; el orden es determinista.
	sort.Slice(shares, func(i, j int) bool {
		if c := shares[i].rem.Cmp(shares[j].rem); c != 0 {
			return c > 0
		}
		return shares[i].alloc.ParticipantID < shares[j].alloc.ParticipantID
	})
	leftover := totalTokens - floorSum
	for i := 0; leftover > 0 && i < len(shares); i++ {
		if shares[i].rem.IsZero() {
			break
		}
		shares[i].alloc.Tokens++
		leftover--
	}

	res.Allocations = make([]Allocation, len(shares))
	for i, sh := range shares {
		res.Allocations[i] = sh.alloc
	}
	sort.Slice(res.Allocations, func(i, j int) bool {
		return res.Allocations[i].ParticipantID < res.Allocations[j].ParticipantID
	})
	return res, nil
}
