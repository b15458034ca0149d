package storage

// queue.go — cola FIFO durable + processed set.
//
// La secuencia sale de auctions.next_sequence dentro de la misma tx que inserta
// el pledge, así dos Enqueue concurrentes nunca comparten número.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
)

// Enqueue inserta el pledge (status=queued) y su entrada de cola.
func (s *Store) Enqueue(ctx context.Context, p domain.Pledge) (domain.QueueEntry, error) {
	if p.ID == "" {
		return domain.QueueEntry{}, fmt.Errorf("storage.Enqueue: empty pledge id")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	entry := domain.QueueEntry{AuctionID: p.AuctionID, PledgeID: p.ID, EnqueuedAt: now}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var seen int64
		if err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT (SELECT COUNT(*) FROM pledges WHERE id = ?)
			     + (SELECT COUNT(*) FROM pledge_queue WHERE pledge_id = ?)
			     + (SELECT COUNT(*) FROM processed_pledges WHERE pledge_id = ?)
		`), p.ID, p.ID, p.ID).Scan(&seen); err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if seen > 0 {
			return domain.ErrDuplicateEnqueue
		}

		err := tx.QueryRowContext(ctx, s.rebind(`
			UPDATE auctions SET next_sequence = next_sequence + 1
			WHERE id = ?
			RETURNING next_sequence
		`), p.AuctionID).Scan(&entry.Sequence)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAuctionNotFound
		}
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO pledges
				(id, auction_id, participant_id, amount, deposit_address, tx_id,
				 status, verified, needs_refund, confirmations, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`),
			p.ID, p.AuctionID, p.ParticipantID, int64(p.Amount), p.DepositAddress, p.TxID,
			string(domain.PledgeStatusQueued), boolInt(p.Verified), p.Confirmations, millis(p.CreatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateEnqueue
			}
			return fmt.Errorf("insert pledge: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO pledge_queue (auction_id, sequence, pledge_id, enqueued_at)
			VALUES (?, ?, ?, ?)
		`), p.AuctionID, entry.Sequence, p.ID, millis(now)); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateEnqueue
			}
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("storage.Enqueue: %s: %w", p.ID, err)
	}
	return entry, nil
}

// Head devuelve la entrada de menor secuencia aún no procesada.
// Las entradas ya presentes en el processed set se podan antes de leer.
func (s *Store) Head(ctx context.Context, auctionID string) (domain.QueueEntry, domain.Pledge, bool, error) {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM pledge_queue
		WHERE auction_id = ?
		  AND pledge_id IN (SELECT pledge_id FROM processed_pledges WHERE auction_id = ?)
	`), auctionID, auctionID); err != nil {
		return domain.QueueEntry{}, domain.Pledge{}, false, fmt.Errorf("storage.Head: prune: %w", err)
	}

	entry := domain.QueueEntry{AuctionID: auctionID}
	var enqueuedAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT q.sequence, q.pledge_id, q.enqueued_at
		FROM pledge_queue q
		WHERE q.auction_id = ?
		  AND NOT EXISTS (SELECT 1 FROM processed_pledges p WHERE p.pledge_id = q.pledge_id)
		ORDER BY q.sequence ASC
		LIMIT 1
	`), auctionID).Scan(&entry.Sequence, &entry.PledgeID, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueEntry{}, domain.Pledge{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, domain.Pledge{}, false, fmt.Errorf("storage.Head: %w", err)
	}
	entry.EnqueuedAt = fromMillis(enqueuedAt)

	p, err := s.GetPledge(ctx, entry.PledgeID)
	if err != nil {
		return domain.QueueEntry{}, domain.Pledge{}, false, fmt.Errorf("storage.Head: %w", err)
	}
	return entry, p, true, nil
}

// Depth cuenta las entradas pendientes de la subasta.
func (s *Store) Depth(ctx context.Context, auctionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM pledge_queue q
		WHERE q.auction_id = ?
		  AND NOT EXISTS (SELECT 1 FROM processed_pledges p WHERE p.pledge_id = q.pledge_id)
	`), auctionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.Depth: %w", err)
	}
	return n, nil
}

// IsProcessed indica si el pledge ya está en el processed set.
func (s *Store) IsProcessed(ctx context.Context, pledgeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM processed_pledges WHERE pledge_id = ?`), pledgeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.IsProcessed: %w", err)
	}
	return n > 0, nil
}

// Clear borra cola y processed set de la subasta. Los pledges y el agregado
// se conservan; la secuencia sigue creciendo.
func (s *Store) Clear(ctx context.Context, auctionID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pledge_queue WHERE auction_id = ?`), auctionID); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM processed_pledges WHERE auction_id = ?`), auctionID); err != nil {
			return fmt.Errorf("clear processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.Clear: %s: %w", auctionID, err)
	}
	return nil
}
