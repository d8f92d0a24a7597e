package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
const CacheLineSize = 64

// Counter is an atomic uint64 padded to one cache line so that counters
// bumped by different goroutines (hits vs. misses vs. sweeps) do not share a line.
type Counter struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(Counter{}))]byte
