package storage

// sqlite.go — store SQL de la venta (SQLite por defecto, PostgreSQL vía lib/pq).
//
// Estrategia:
//   - Un único schema portable: BIGINT para sats y timestamps (unix millis),
//     TEXT para decimales, INTEGER 0/1 para flags. SQLite y Postgres lo aceptan igual.
//   - Las queries se escriben con `?` y se reescriben a `$n` en Postgres.
//   - Toda mutación de la venta ocurre dentro de withTx. En Postgres la tx es
//     SERIALIZABLE; un serialization failure se reporta como ErrPersistenceConflict.
//   - SQLite es single-writer: una sola conexión, nunca usar s.db dentro de una tx.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
-- Un agregado por venta. running_total solo cambia dentro del commit de settlement.
CREATE TABLE IF NOT EXISTS auctions (
    id                TEXT PRIMARY KEY,
    total_tokens      BIGINT  NOT NULL,
    ceiling_usd       TEXT    NOT NULL,
    running_total     BIGINT  NOT NULL DEFAULT 0,
    total_refunded    BIGINT  NOT NULL DEFAULT 0,
    min_pledge        BIGINT  NOT NULL DEFAULT 0,
    max_pledge        BIGINT  NOT NULL DEFAULT 0,
    start_time        BIGINT  NOT NULL DEFAULT 0,
    end_time          BIGINT  NOT NULL DEFAULT 0,
    is_active         INTEGER NOT NULL DEFAULT 1,
    is_completed      INTEGER NOT NULL DEFAULT 0,
    network           TEXT    NOT NULL DEFAULT 'mainnet',
    next_sequence     BIGINT  NOT NULL DEFAULT 0,
    final_price       TEXT    NOT NULL DEFAULT '0',
    completed_at      BIGINT,
    completion_reason TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pledges (
    id              TEXT PRIMARY KEY,
    auction_id      TEXT    NOT NULL,
    participant_id  TEXT    NOT NULL,
    amount          BIGINT  NOT NULL,
    deposit_address TEXT    NOT NULL DEFAULT '',
    tx_id           TEXT    NOT NULL DEFAULT '',
    status          TEXT    NOT NULL,
    verified        INTEGER NOT NULL DEFAULT 0,
    needs_refund    INTEGER NOT NULL DEFAULT 0,
    confirmations   INTEGER NOT NULL DEFAULT 0,
    created_at      BIGINT  NOT NULL,
    settled_at      BIGINT,
    settle_price    TEXT    NOT NULL DEFAULT '0',
    refund_reason   TEXT    NOT NULL DEFAULT ''
);

-- La secuencia es la única clave de orden FCFS.
CREATE TABLE IF NOT EXISTS pledge_queue (
    auction_id  TEXT   NOT NULL,
    sequence    BIGINT NOT NULL,
    pledge_id   TEXT   NOT NULL UNIQUE,
    enqueued_at BIGINT NOT NULL,
    PRIMARY KEY (auction_id, sequence)
);

-- Processed set: se escribe en la misma tx que el resultado del pledge.
CREATE TABLE IF NOT EXISTS processed_pledges (
    pledge_id    TEXT PRIMARY KEY,
    auction_id   TEXT   NOT NULL,
    sequence     BIGINT NOT NULL,
    outcome      TEXT   NOT NULL,
    processed_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS allocation_runs (
    auction_id    TEXT PRIMARY KEY,
    total_tokens  BIGINT NOT NULL,
    total_settled BIGINT NOT NULL,
    final_price   TEXT   NOT NULL,
    token_price   TEXT   NOT NULL,
    created_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS allocations (
    auction_id       TEXT   NOT NULL,
    participant_id   TEXT   NOT NULL,
    settled          BIGINT NOT NULL,
    contribution_usd TEXT   NOT NULL,
    tokens           BIGINT NOT NULL,
    PRIMARY KEY (auction_id, participant_id)
);

CREATE INDEX IF NOT EXISTS idx_pledges_auction_status ON pledges(auction_id, status);
CREATE INDEX IF NOT EXISTS idx_processed_auction      ON processed_pledges(auction_id);
`

// Store implementa ports.PledgeQueue y ports.SaleStorage sobre database/sql.
type Store struct {
	db     *sql.DB
	driver string
	txOpts *sql.TxOptions
}

// Open abre (o crea) la base de datos y aplica el schema.
// driver: "sqlite" (dsn = ruta o ":memory:") o "postgres" (dsn = URL de conexión).
func Open(driver, dsn string) (*Store, error) {
	s := &Store{driver: driver}
	switch driver {
	case DriverSQLite:
	case DriverPostgres:
		s.txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return nil, fmt.Errorf("storage.Open: unknown driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite es single-writer
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}
	s.db = db
	return s, nil
}

// NewSQLiteStorage abre un store SQLite en la ruta dada.
func NewSQLiteStorage(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Close cierra la conexión a la base de datos.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// rebind reescribe los placeholders `?` a `$n` en Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx ejecuta fn en una transacción: commit si fn no falla, rollback si no.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, s.txOpts)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			// se ignora el error del rollback para no tapar el original
			_ = tx.Rollback()
			err = classify(err)
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = classify(fmt.Errorf("commit: %w", cerr))
		}
	}()
	return fn(tx)
}

// classify traduce errores de concurrencia del driver a ErrPersistenceConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrPersistenceConflict) {
		return err
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceConflict, err)
	}
	return err
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
