package pricecache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type entry struct {
	value     decimal.Decimal
	expiresAt time.Time
}

// Memory es una cache de precios en proceso con TTL por key.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewMemory crea una cache vacía.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]entry), now: time.Now}
}

// NewMemoryWithClock permite controlar el reloj en tests.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{items: make(map[string]entry), now: now}
}

func (m *Memory) Get(_ context.Context, key string) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return decimal.Zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value decimal.Decimal, ttl time.Duration) error {
	m.mu.Lock()
	m.items[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}
