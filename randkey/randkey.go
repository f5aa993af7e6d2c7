// Package randkey provides immutable pseudo-random keys for deterministic
// data pipelines.
//
// A Key is a 128-bit value from which further keys are derived by folding in
// integer indices. Derivation is a pure function: the same (key, index) pair
// always produces the same derived key, and distinct indices produce
// statistically independent-looking keys. This is what makes stateless
// per-example preprocessing reproducible across process restarts and across
// workers - every consumer derives its own keys from explicit inputs instead
// of advancing shared generator state.
package randkey

import (
	"fmt"
	"math/rand"
)

// Key is an immutable 128-bit pseudo-random key.
//
// Keys are values: copying one is cheap and deriving from one never mutates
// it, so a Key can be shared between goroutines without coordination.
type Key [2]uint64

// golden is 2^64 / phi, the weyl increment used by splitmix64. Folded
// children use it to decorrelate the two key words.
const golden = 0x9e3779b97f4a7c15

// splitDomain separates Split derivations from FoldIn derivations so that
// Split(k, n)[i] can never collide with k.FoldIn(i).
const splitDomain = 0xda3e39cb94b95bdb

// mix64 is the splitmix64 finalizer: a bijective avalanche mix over uint64.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// New builds a base key from a caller-supplied seed. Callers own seed
// selection; there is no implicit time- or host-derived fallback.
func New(seed int64) Key {
	s := uint64(seed)
	return Key{mix64(s + golden), mix64(s + golden + golden)}
}

// FoldIn derives a new key by deterministically combining k with index.
// Typical indices are example enumeration positions and replica ids.
func (k Key) FoldIn(index int64) Key {
	h := mix64(uint64(index) + golden)
	return Key{
		mix64(k[0] ^ h),
		mix64(k[1] ^ h ^ golden),
	}
}

// Split deterministically partitions k into n mutually independent-looking
// sub-keys. It panics if n < 1, matching the contract that n is positive.
func (k Key) Split(n int) []Key {
	if n < 1 {
		panic(fmt.Sprintf("randkey: Split n must be positive, got %d", n))
	}
	base := Key{mix64(k[0] ^ splitDomain), mix64(k[1] + splitDomain)}
	out := make([]Key, n)
	for i := range out {
		out[i] = base.FoldIn(int64(i))
	}
	return out
}

// Uint64 returns a 64-bit digest of the key, suitable for seeding other
// generators.
func (k Key) Uint64() uint64 {
	return mix64(k[0] ^ mix64(k[1]))
}

// Int63 returns a non-negative 63-bit digest of the key, shaped for
// rand.NewSource.
func (k Key) Int63() int64 {
	return int64(k.Uint64() >> 1)
}

// Rand returns a math/rand generator seeded from the key. The generator is
// stateful and not safe for concurrent use; derive one per consumer.
func (k Key) Rand() *rand.Rand {
	return rand.New(rand.NewSource(k.Int63()))
}

// String renders the key as fixed-width hex, mostly for logs and tests.
func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k[0], k[1])
}
