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

const auctionColumns = `id, total_tokens, ceiling_usd, running_total, total_refunded,
	min_pledge, max_pledge, start_time, end_time, is_active, is_completed, network,
	next_sequence, final_price, completed_at, completion_reason`

// CreateAuction inserta la subasta si no existe. Reconfigurar una venta existente
// no toca su estado: created=false.
func (s *Store) CreateAuction(ctx context.Context, a domain.Auction) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO auctions
			(id, total_tokens, ceiling_usd, min_pledge, max_pledge,
			 start_time, end_time, is_active, is_completed, network)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (id) DO NOTHING
	`),
		a.ID, a.TotalTokens, a.CeilingUSD.String(), int64(a.MinPledge), int64(a.MaxPledge),
		millis(a.StartTime), millis(a.EndTime), boolInt(a.IsActive), a.Network,
	)
	if err != nil {
		return false, fmt.Errorf("storage.CreateAuction: insert %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.CreateAuction: rows affected: %w", err)
	}
	return n == 1, nil
}

// GetAuction devuelve el agregado o domain.ErrAuctionNotFound.
func (s *Store) GetAuction(ctx context.Context, id string) (domain.Auction, error) {
	a, err := scanAuction(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+auctionColumns+` FROM auctions WHERE id = ?`), id))
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.GetAuction: %s: %w", id, err)
	}
	return a, nil
}

// CommitSettlement aplica la decisión del worker en una sola transacción:
//
//  1. processed set (si ya estaba → applied=false, no se toca nada)
//  2. running total += delta, con guard running_total = esperado
//  3. status terminal del pledge
//  4. borrado de la entrada de cola
//  5. cierre por techo si el market cap post-commit ≥ ceiling al precio de la
//     decisión (settle o refund); si no, cierre con c.Close si viene informado
func (s *Store) CommitSettlement(ctx context.Context, c domain.Commit) (domain.Auction, bool, error) {
	var (
		out     domain.Auction
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO processed_pledges (pledge_id, auction_id, sequence, outcome, processed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (pledge_id) DO NOTHING
		`), c.PledgeID, c.AuctionID, c.Entry.Sequence, string(c.Decision.Outcome), millis(c.At))
		if err != nil {
			return fmt.Errorf("insert processed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("processed rows affected: %w", err)
		}
		if n == 0 {
			// replay: otro commit ya resolvió este pledge
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pledge_queue WHERE pledge_id = ?`), c.PledgeID); err != nil {
				return fmt.Errorf("prune processed entry: %w", err)
			}
			out, err = s.auctionTx(ctx, tx, c.AuctionID)
			return err
		}

		switch c.Decision.Outcome {
		case domain.OutcomeSettled:
			res, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE auctions SET running_total = running_total + ?
				WHERE id = ? AND running_total = ?
			`), int64(c.Decision.Delta), c.AuctionID, int64(c.ExpectedRunningTotal))
			if err != nil {
				return fmt.Errorf("increment running total: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("running total moved from %d: %w", c.ExpectedRunningTotal, domain.ErrPersistenceConflict)
			}
		case domain.OutcomeRefunded:
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE auctions SET total_refunded = total_refunded + ? WHERE id = ?`,
			), int64(c.Amount), c.AuctionID); err != nil {
				return fmt.Errorf("increment refunded: %w", err)
			}
		default:
			return fmt.Errorf("unexpected outcome %q", c.Decision.Outcome)
		}

		status := domain.PledgeStatusSettled
		if c.Decision.Outcome == domain.OutcomeRefunded {
			status = domain.PledgeStatusRefunded
		}
		resolvedAt := sql.NullInt64{Int64: millis(c.At), Valid: true}
		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE pledges
			SET status = ?, settled_at = ?, settle_price = ?, refund_reason = ?, needs_refund = ?
			WHERE id = ? AND status IN (?, ?)
		`),
			string(status), resolvedAt, c.Decision.Price.String(), c.Decision.RefundReason,
			boolInt(status == domain.PledgeStatusRefunded),
			c.PledgeID, string(domain.PledgeStatusQueued), string(domain.PledgeStatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("update pledge %s: %w", c.PledgeID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("pledge %s is not queued", c.PledgeID)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pledge_queue WHERE pledge_id = ?`), c.PledgeID); err != nil {
			return fmt.Errorf("dequeue %s: %w", c.PledgeID, err)
		}

		out, err = s.auctionTx(ctx, tx, c.AuctionID)
		if err != nil {
			return err
		}

		// Un refund por techo también cierra si el precio subió lo bastante:
		// la capacidad no se reabre cuando el precio vuelve a bajar.
		reason, price := domain.CompletionNone, decimal.Zero
		switch {
		case out.IsCompleted:
		case out.CeilingReached(c.Decision.Price):
			reason, price = domain.CompletionCeiling, c.Decision.Price
		case c.Close != domain.CompletionNone:
			reason = c.Close
		}
		if reason != domain.CompletionNone {
			if err := s.completeTx(ctx, tx, c.AuctionID, reason, price, c.At); err != nil {
				return err
			}
			out, err = s.auctionTx(ctx, tx, c.AuctionID)
			if err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.Auction{}, false, fmt.Errorf("storage.CommitSettlement: %s: %w", c.PledgeID, err)
	}
	return out, applied, nil
}

// CompleteAuction cierra la subasta. Si ya estaba cerrada devuelve el estado actual.
func (s *Store) CompleteAuction(ctx context.Context, id string, reason domain.CompletionReason, finalPrice decimal.Decimal, at time.Time) (domain.Auction, error) {
	var out domain.Auction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.completeTx(ctx, tx, id, reason, finalPrice, at); err != nil {
			return err
		}
		var err error
		out, err = s.auctionTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.CompleteAuction: %s: %w", id, err)
	}
	return out, nil
}

// SetFinalPrice guarda el snapshot de precio final solo si aún no existe.
func (s *Store) SetFinalPrice(ctx context.Context, id string, price decimal.Decimal) (domain.Auction, error) {
	var out domain.Auction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE auctions SET final_price = ? WHERE id = ? AND final_price = '0'`,
		), price.String(), id); err != nil {
			return fmt.Errorf("update final price: %w", err)
		}
		var err error
		out, err = s.auctionTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.SetFinalPrice: %s: %w", id, err)
	}
	return out, nil
}

// --- helpers internos ---

func (s *Store) completeTx(ctx context.Context, tx *sql.Tx, id string, reason domain.CompletionReason, finalPrice decimal.Decimal, at time.Time) error {
	price := "0"
	if finalPrice.Sign() > 0 {
		price = finalPrice.String()
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE auctions
		SET is_completed = 1, is_active = 0, final_price = ?, completed_at = ?, completion_reason = ?
		WHERE id = ? AND is_completed = 0
	`), price, millis(at), string(reason), id); err != nil {
		return fmt.Errorf("complete auction: %w", err)
	}
	return nil
}

func (s *Store) auctionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Auction, error) {
	a, err := scanAuction(tx.QueryRowContext(ctx,
		s.rebind(`SELECT `+auctionColumns+` FROM auctions WHERE id = ?`), id))
	if err != nil {
		return domain.Auction{}, fmt.Errorf("read auction %s: %w", id, err)
	}
	return a, nil
}

func scanAuction(row rowScanner) (domain.Auction, error) {
	var (
		a                           domain.Auction
		ceiling, finalPrice, reason string
		running, refunded, minP     int64
		maxP, start, end            int64
		active, completed           int
		completedAt                 sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.TotalTokens, &ceiling, &running, &refunded,
		&minP, &maxP, &start, &end, &active, &completed, &a.Network,
		&a.NextSequence, &finalPrice, &completedAt, &reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("scan auction: %w", err)
	}

	if a.CeilingUSD, err = decimal.NewFromString(ceiling); err != nil {
		return domain.Auction{}, fmt.Errorf("parse ceiling %q: %w", ceiling, err)
	}
	if a.FinalPrice, err = decimal.NewFromString(finalPrice); err != nil {
		return domain.Auction{}, fmt.Errorf("parse final price %q: %w", finalPrice, err)
	}
	a.RunningTotal = domain.Sats(running)
	a.TotalRefunded = domain.Sats(refunded)
	a.MinPledge = domain.Sats(minP)
	a.MaxPledge = domain.Sats(maxP)
	a.StartTime = fromMillis(start)
	a.EndTime = fromMillis(end)
	a.IsActive = active == 1
	a.IsCompleted = completed == 1
	a.CompletedAt = timePtr(completedAt)
	a.CompletionReason = domain.CompletionReason(reason)
	return a, nil
}
