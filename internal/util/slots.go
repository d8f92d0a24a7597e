// Package util contains internal helpers (hashing, slot routing, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"math/bits"
	"runtime"
	"strings"
)

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// Fnv64a hashes s with 64-bit FNV-1a without allocating.
func Fnv64a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

// HashTag returns the part of key that decides its slot.
// Like Redis Cluster: if key contains "{...}" with a non-empty body, only the
// body is hashed, so "mapcache:{users}" and "mapcache:{users}:ttl" share a slot.
func HashTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return key
	}
	end := strings.IndexByte(key[open+1:], '}')
	if end <= 0 {
		return key
	}
	return key[open+1 : open+1+end]
}

// ReasonableSlotCount picks a default slot count from CPU parallelism:
// nextPow2(4*GOMAXPROCS), clamped to [1..1024].
func ReasonableSlotCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p * 4)))
	if n > 1024 {
		n = 1024
	}
	return n
}

// SlotIndex maps key to a slot in [0, slots).
// The mask fast path requires a power-of-two slot count; other counts use modulo.
func SlotIndex(key string, slots int) int {
	if slots <= 1 {
		return 0
	}
	h := Fnv64a(HashTag(key))
	if IsPowerOfTwo(uint64(slots)) {
		return int(h & uint64(slots-1))
	}
	return int(h % uint64(slots))
}

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool { return x != 0 && x&(x-1) == 0 }

// NextPow2 returns the smallest power of two >= x (1 for x <= 1),
// clamped to 1<<63 when the next power does not fit.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	n := bits.Len64(x - 1)
	if n >= 64 {
		return 1 << 63
	}
	return 1 << n
}
