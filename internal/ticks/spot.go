package ticks

import "sync"

// spotTracker records the last-seen underlying price per underlying
// token, so the option path can derive IV/Greeks even when the
// aggregator has not yet published a bar for the current window.
type spotTracker struct {
	mu   sync.RWMutex
	last map[uint32]float64
}

func newSpotTracker() *spotTracker {
	return &spotTracker{last: make(map[uint32]float64)}
}

func (s *spotTracker) record(underlyingToken uint32, price float64) {
	s.mu.Lock()
	s.last[underlyingToken] = price
	s.mu.Unlock()
}

func (s *spotTracker) get(underlyingToken uint32) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.last[underlyingToken]
	return p, ok
}
