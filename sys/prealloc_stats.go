package sys

import (
	"sync"
	"sync/atomic"
)

// PreallocStats counts Preallocate outcomes since process start.
type PreallocStats struct {
	Successes   uint64 // blocks reserved
	Failures    uint64 // fallocate returned a real error
	Unsupported uint64 // the file or filesystem cannot preallocate
	CacheHits   uint64 // device capability answered from cache
	CacheMisses uint64 // device had to be checked with fstatfs
}

var preallocStats struct {
	successes   atomic.Uint64
	failures    atomic.Uint64
	unsupported atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// deviceCapability remembers per device id whether fallocate works there, so
// every pad after the first on a mount skips the fstatfs check.
var deviceCapability sync.Map // uint64 -> bool

// ReadPreallocStats returns a snapshot of the preallocation counters.
func ReadPreallocStats() PreallocStats {
	return PreallocStats{
		Successes:   preallocStats.successes.Load(),
		Failures:    preallocStats.failures.Load(),
		Unsupported: preallocStats.unsupported.Load(),
		CacheHits:   preallocStats.cacheHits.Load(),
		CacheMisses: preallocStats.cacheMisses.Load(),
	}
}

// Attempts is the number of Preallocate calls that did any work.
func (s PreallocStats) Attempts() uint64 {
	return s.Successes + s.Failures + s.Unsupported
}

// lookupDevice reports the cached capability of dev and counts the lookup.
func lookupDevice(dev uint64) (allowed, found bool) {
	v, ok := deviceCapability.Load(dev)
	if !ok {
		preallocStats.cacheMisses.Add(1)
		return false, false
	}
	preallocStats.cacheHits.Add(1)
	return v.(bool), true
}

func rememberDevice(dev uint64, allowed bool) {
	if dev != 0 {
		deviceCapability.Store(dev, allowed)
	}
}

func unsupported() error {
	preallocStats.unsupported.Add(1)
	return ErrPreallocNotSupported
}
