package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/shopspring/decimal"
)

const pledgeColumns = `id, auction_id, participant_id, amount, deposit_address, tx_id,
	status, verified, needs_refund, confirmations, created_at, settled_at,
	settle_price, refund_reason`

// GetPledge devuelve el pledge o domain.ErrPledgeNotFound.
func (s *Store) GetPledge(ctx context.Context, id string) (domain.Pledge, error) {
	p, err := scanPledge(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+pledgeColumns+` FROM pledges WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Pledge{}, fmt.Errorf("storage.GetPledge: %s: %w", id, domain.ErrPledgeNotFound)
	}
	if err != nil {
		return domain.Pledge{}, fmt.Errorf("storage.GetPledge: %s: %w", id, err)
	}
	return p, nil
}

// ListPledges devuelve los pledges de la subasta en orden de admisión.
// status vacío = todos.
func (s *Store) ListPledges(ctx context.Context, auctionID string, status domain.PledgeStatus) ([]domain.Pledge, error) {
	query := `SELECT ` + pledgeColumns + ` FROM pledges WHERE auction_id = ?`
	args := []any{auctionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPledges: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Pledge
	for rows.Next() {
		p, err := scanPledge(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListPledges: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordConfirmation actualiza el estado on-chain del pledge. Independiente del settlement.
// txID vacío conserva el valor previo.
func (s *Store) RecordConfirmation(ctx context.Context, pledgeID, txID string, confirmations int, verified bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pledges
		SET tx_id = CASE WHEN ? = '' THEN tx_id ELSE ? END,
		    confirmations = ?,
		    verified = ?
		WHERE id = ?
	`), txID, txID, confirmations, boolInt(verified), pledgeID)
	if err != nil {
		return fmt.Errorf("storage.RecordConfirmation: %s: %w", pledgeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.RecordConfirmation: %s: %w", pledgeID, domain.ErrPledgeNotFound)
	}
	return nil
}

// SettledByParticipant agrupa los sats settled por participante.
func (s *Store) SettledByParticipant(ctx context.Context, auctionID string) (map[string]domain.Sats, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT participant_id, SUM(amount)
		FROM pledges
		WHERE auction_id = ? AND status = ?
		GROUP BY participant_id
	`), auctionID, string(domain.PledgeStatusSettled))
	if err != nil {
		return nil, fmt.Errorf("storage.SettledByParticipant: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Sats)
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("storage.SettledByParticipant: scan: %w", err)
		}
		out[id] = domain.Sats(total)
	}
	return out, rows.Err()
}

func scanPledge(row rowScanner) (domain.Pledge, error) {
	var (
		p                 domain.Pledge
		amount, createdAt int64
		status, price     string
		verified, refund  int
		settledAt         sql.NullInt64
	)
	if err := row.Scan(
		&p.ID, &p.AuctionID, &p.ParticipantID, &amount, &p.DepositAddress, &p.TxID,
		&status, &verified, &refund, &p.Confirmations, &createdAt, &settledAt,
		&price, &p.RefundReason,
	); err != nil {
		return domain.Pledge{}, err
	}
	settlePrice, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Pledge{}, fmt.Errorf("parse settle price %q: %w", price, err)
	}
	p.Amount = domain.Sats(amount)
	p.Status = domain.PledgeStatus(status)
	p.Verified = verified == 1
	p.NeedsRefund = refund == 1
	p.CreatedAt = fromMillis(createdAt)
	p.SettledAt = timePtr(settledAt)
	p.SettlePrice = settlePrice
	return p, nil
}
