package lock

import (
	"context"
	"sync"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
)

// Local es el lease in-process: un mutex por key, adquirido con TryLock.
// Sirve cuando un solo proceso corre el settlement.
type Local struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocal crea un Locker en memoria.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*sync.Mutex)}
}

// Acquire toma el lock de key o devuelve domain.ErrLockContention.
func (l *Local) Acquire(_ context.Context, key string) (ports.Lease, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, domain.ErrLockContention
	}
	return &localLease{m: m}, nil
}

type localLease struct {
	once sync.Once
	m    *sync.Mutex
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(l.m.Unlock)
	return nil
}
