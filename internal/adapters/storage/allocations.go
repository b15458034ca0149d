package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/shopspring/decimal"
)

// SaveAllocation persiste el reparto. Solo la primera llamada escribe:
// si ya existe un run para la subasta no se toca nada.
func (s *Store) SaveAllocation(ctx context.Context, r domain.AllocationResult) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO allocation_runs (auction_id, total_tokens, total_settled, final_price, token_price, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (auction_id) DO NOTHING
		`), r.AuctionID, r.TotalTokens, int64(r.TotalSettled), r.FinalPrice.String(),
			r.TokenPriceUSD.String(), millis(time.Now()))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO allocations (auction_id, participant_id, settled, contribution_usd, tokens)
			VALUES (?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, a := range r.Allocations {
			if _, err := stmt.ExecContext(ctx,
				r.AuctionID, a.ParticipantID, int64(a.Settled), a.ContributionUSD.String(), a.Tokens,
			); err != nil {
				return fmt.Errorf("insert %s: %w", a.ParticipantID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.SaveAllocation: %s: %w", r.AuctionID, err)
	}
	return nil
}

// GetAllocation devuelve el reparto guardado, ordenado por participante.
func (s *Store) GetAllocation(ctx context.Context, auctionID string) (domain.AllocationResult, bool, error) {
	r := domain.AllocationResult{AuctionID: auctionID}
	var settled int64
	var finalPrice, tokenPrice string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT total_tokens, total_settled, final_price, token_price
		FROM allocation_runs WHERE auction_id = ?
	`), auctionID).Scan(&r.TotalTokens, &settled, &finalPrice, &tokenPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AllocationResult{}, false, nil
	}
	if err != nil {
		return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: run: %w", err)
	}
	r.TotalSettled = domain.Sats(settled)
	if r.FinalPrice, err = decimal.NewFromString(finalPrice); err != nil {
		return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: final price: %w", err)
	}
	if r.TokenPriceUSD, err = decimal.NewFromString(tokenPrice); err != nil {
		return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: token price: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT participant_id, settled, contribution_usd, tokens
		FROM allocations WHERE auction_id = ?
		ORDER BY participant_id ASC
	`), auctionID)
	if err != nil {
		return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Allocation
		var sats int64
		var usd string
		if err := rows.Scan(&a.ParticipantID, &sats, &usd, &a.Tokens); err != nil {
			return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: scan: %w", err)
		}
		a.Settled = domain.Sats(sats)
		if a.ContributionUSD, err = decimal.NewFromString(usd); err != nil {
			return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: contribution: %w", err)
		}
		r.Allocations = append(r.Allocations, a)
	}
	if err := rows.Err(); err != nil {
		return domain.AllocationResult{}, false, fmt.Errorf("storage.GetAllocation: %w", err)
	}
	return r, true, nil
}
