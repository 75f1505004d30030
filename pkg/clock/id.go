package clock

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces UUIDv7 values: a 48-bit millisecond timestamp
// prefix followed by a per-millisecond counter and random tail, so IDs
// created later sort later. Safe for concurrent use.
type IDGenerator struct {
	clock   Clock
	entropy io.Reader

	mu     sync.Mutex
	lastMS int64
	seq    uint16
}

// NewIDGenerator builds a generator over the given clock.
func NewIDGenerator(c Clock) *IDGenerator {
	return &IDGenerator{clock: c, entropy: rand.Reader}
}

// WithEntropy substitutes the random source. Tests pair this with a Fake
// clock for fully reproducible IDs.
func (g *IDGenerator) WithEntropy(r io.Reader) *IDGenerator {
	g.entropy = r
	return g
}

// New returns the next ID. IDs issued by one generator are strictly
// increasing; the 12-bit counter orders IDs within one millisecond.
func (g *IDGenerator) New() uuid.UUID {
	g.mu.Lock()
	ms := g.clock().UnixMilli()
	if ms <= g.lastMS {
		ms = g.lastMS
		g.seq = (g.seq + 1) & 0x0FFF
	} else {
		g.lastMS = ms
		g.seq = 0
	}
	seq := g.seq
	g.mu.Unlock()

	var u uuid.UUID
	_, _ = io.ReadFull(g.entropy, u[8:])

	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)
	u[6] = 0x70 | byte(seq>>8)      // version 7
	u[7] = byte(seq)                // counter low bits
	u[8] = (u[8] & 0x3F) | 0x80     // RFC 4122 variant
	return u
}

// NewString returns the next ID in canonical string form.
func (g *IDGenerator) NewString() string {
	return g.New().String()
}
