package ports

import "context"

// Locker da exclusión mutua por subasta al settlement.
// Acquire no bloquea: si otro worker tiene el lease devuelve domain.ErrLockContention.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease es un lock adquirido. Release es idempotente.
type Lease interface {
	Release(ctx context.Context) error
}
