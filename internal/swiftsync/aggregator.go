/*
Package swiftsync implements the SwiftSync accelerated IBD algorithm:
a hint-driven UTXO-set bootstrap that skips per-block Utreexo proof
verification yet still produces a correct UTXO set via an algebraic
aggregator.
*/
package swiftsync

import (
	"crypto/rand"
	"encoding/binary"
)

// Salt is the session's four random 64-bit SipHash keys. It is drawn
// once per session with a cryptographic RNG and never persisted: a
// process restart mid-session invalidates the aggregator and the session
// must abort.
type Salt [4]uint64

// NewSalt draws a fresh session salt.
func NewSalt() Salt {
	var s Salt
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("swiftsync: crypto/rand unavailable: " + err.Error())
	}
	for i := range s {
		s[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return s
}

// key128 returns the two words used as the siphash key proper; the other
// two words are folded into every message as domain-separation so the
// full 256 bits of salt are load-bearing, not just the first 128.
func (s Salt) key128() []byte {
	var k [16]byte
	binary.LittleEndian.PutUint64(k[0:8], s[0])
	binary.LittleEndian.PutUint64(k[8:16], s[1])
	return k[:]
}

// Aggregator is the commutative group element the SwiftSync session
// accumulates into. XOR over 64-bit words satisfies the only properties
// required of it: commutativity, associativity, and an identity (zero).
type Aggregator uint64

// Identity is the group identity.
const Identity Aggregator = 0

// Apply folds delta into the aggregator; order of application does not
// matter.
func (a *Aggregator) Apply(delta Aggregator) {
	*a ^= delta
}

// IsIdentity reports whether the aggregator is currently at its identity
// element, the success condition for SwiftSync's final check.
func (a Aggregator) IsIdentity() bool { return a == Identity }
