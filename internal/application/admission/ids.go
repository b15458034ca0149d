package admission

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator emite ids de pledge ULID, monótonos dentro del proceso.
type IDGenerator struct {
	mu      sync.Mutex // la entropía no es segura para uso concurrente
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator crea un generador con entropía criptográfica.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// New devuelve un id nuevo, en minúsculas, mayor que todos los anteriores.
func (g *IDGenerator) New(t time.Time) (string, error) {
	g.mu.Lock()
	if g.entropy == nil {
		g.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), g.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		g.entropy = nil
		g.mu.Unlock()
		return g.New(t)
	} else if err != nil {
		g.mu.Unlock()
		return "", fmt.Errorf("generating pledge id: %w", err)
	}
	g.mu.Unlock()
	return strings.ToLower(id.String()), nil
}
