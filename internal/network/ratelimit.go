package network

import (
	"net/netip"
	"sync"
	"time"
)

// rateTracker counts requests per source IP in one-second windows.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[netip.Addr]*rateBucket
	maxPerSec int
	lastSweep time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[netip.Addr]*rateBucket),
		maxPerSec: maxPerSec,
	}
}

func (rt *rateTracker) allow(ip netip.Addr, now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if now.Sub(rt.lastSweep) > time.Minute {
		for k, b := range rt.counts {
			if now.Sub(b.windowStart) >= time.Second {
				delete(rt.counts, k)
			}
		}
		rt.lastSweep = now
	}

	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}
