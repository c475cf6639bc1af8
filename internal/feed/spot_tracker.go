package feed

import "sync"

// SpotTracker holds the most recent spot sample per symbol so the oracle
// feed can attach divergence metadata (spec.md §4.1). Written by SpotFeed,
// read by OracleFeed; a struct-owned cache rather than a module global
// (spec.md §9 design note on eliminating globals).
type SpotTracker struct {
	mu      sync.RWMutex
	samples map[string]spotSample
}

type spotSample struct {
	price     float64
	timestamp float64
}

// NewSpotTracker creates an empty tracker.
func NewSpotTracker() *SpotTracker {
	return &SpotTracker{samples: make(map[string]spotSample)}
}

// Update records the latest spot sample for symbol.
func (t *SpotTracker) Update(symbol string, price, timestamp float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[symbol] = spotSample{price: price, timestamp: timestamp}
}

// Lookup returns the spot sample for symbol if it was observed within
// maxAgeSeconds of referenceTimestamp.
func (t *SpotTracker) Lookup(symbol string, referenceTimestamp, maxAgeSeconds float64) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.samples[symbol]
	if !ok {
		return 0, false
	}
	age := referenceTimestamp - s.timestamp
	if age < 0 {
		age = -age
	}
	if age > maxAgeSeconds {
		return 0, false
	}
	return s.price, true
}
