package domain

import "errors"

var (
	// ErrInvalidAmount: el pledge está fuera de [minPledge, maxPledge]. No se encola.
	ErrInvalidAmount = errors.New("pledge amount out of bounds")

	// ErrDuplicateEnqueue: el id ya está en la cola o en el processed set.
	ErrDuplicateEnqueue = errors.New("pledge already enqueued")

	// ErrPriceUnavailable: ningún feed respondió y no hay fallback en caché.
	// El settlement se detiene hasta el siguiente intento; nunca adivina un precio.
	ErrPriceUnavailable = errors.New("btc price unavailable")

	// ErrPersistenceConflict: carrera en el commit. Se reintenta llamando de nuevo a ProcessNext.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrLockContention: otra invocación de settlement está activa para la subasta.
	ErrLockContention = errors.New("settlement lock held by another worker")

	ErrAuctionNotFound     = errors.New("auction not found")
	ErrAuctionNotCompleted = errors.New("auction not completed")
	ErrPledgeNotFound      = errors.New("pledge not found")
)

// IsRetryable devuelve true para los errores transitorios del settlement.
// Ninguno de ellos corrompe el running total: basta con reintentar con backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPriceUnavailable) ||
		errors.Is(err, ErrPersistenceConflict) ||
		errors.Is(err, ErrLockContention)
}
