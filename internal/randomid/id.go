// Package randomid generates unpredictable DNS transaction IDs and
// sequences a resolver's own outgoing query IDs.
//
// Attack model: an off-path attacker racing a spoofed response against
// the real authority needs to guess the 16-bit transaction ID; using
// math/rand (or a predictable counter alone) for that guess would make
// the race far easier to win.
package randomid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// TransactionID returns a cryptographically random 16-bit ID.
// NEVER use math/rand here: it is predictable.
func TransactionID() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("randomid: crypto/rand failed: %v", err))
	}
	return binary.BigEndian.Uint16(buf[:])
}

// Sequence is a resolver-owned counter incremented modulo 2^16 for
// each query sent. The resolver takes every outgoing query ID from
// Next; only the starting value comes from TransactionID (see
// NewSequence), so consecutive IDs of one resolver differ by exactly 1.
type Sequence struct {
	mu  sync.Mutex
	cur uint16
}

// NewSequence returns a Sequence seeded from TransactionID rather
// than zero, so a fresh resolver's first outgoing query ID isn't
// always 0; it still increments by exactly 1 per call.
func NewSequence() *Sequence {
	return &Sequence{cur: TransactionID()}
}

// Next returns the next value and advances the counter, wrapping at
// 2^16 (16-bit IDs have no larger range to wrap into).
func (s *Sequence) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.cur
	s.cur++ // uint16 wraps at 2^16 natively; no explicit modulo needed
	return v
}
