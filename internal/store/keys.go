package store

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// KeyGenerator issues child keys for AppendChild.
type KeyGenerator interface {
	NewKey() (string, error)
}

// ULIDGenerator issues lowercase ULIDs. Keys generated by one process are
// strictly increasing, which gives chronological ordering without an
// explicit timestamp field.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	clock   func() time.Time
}

// NewULIDGenerator constructs a generator seeded from the wall clock.
func NewULIDGenerator() *ULIDGenerator {
	seed := time.Now().UnixNano()
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		clock:   time.Now,
	}
}

// NewKey returns the next child key.
func (g *ULIDGenerator) NewKey() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.clock()), g.entropy)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id.String()), nil
}
