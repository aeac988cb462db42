package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

var _ RateLimiter = (*SlidingWindow)(nil)

// SlidingWindow is a process-local sliding window limiter. Every key keeps the
// timestamps of its admitted calls; keys with no call inside the window are
// dropped on the periodic sweep.
type SlidingWindow struct {
	limit         int
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	calls     map[string][]time.Time
	lastSweep time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return newSlidingWindow(limit, window, defaultSweepInterval, time.Now)
}

func newSlidingWindow(limit int, window, sweepInterval time.Duration, nowFn func() time.Time) *SlidingWindow {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindow{
		limit:         limit,
		window:        window,
		sweepInterval: sweepInterval,
		now:           nowFn,
		calls:         make(map[string][]time.Time),
		lastSweep:     nowFn(),
	}
}

func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > s.sweepInterval {
		s.sweepLocked(cutoff)
		s.lastSweep = now
	}

	recent := trimBefore(s.calls[key], cutoff)
	if len(recent) >= s.limit {
		s.calls[key] = recent
		return false, nil
	}

	s.calls[key] = append(recent, now)
	return true, nil
}

// Len returns the number of tracked keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *SlidingWindow) sweepLocked(cutoff time.Time) {
	for key, calls := range s.calls {
		recent := trimBefore(calls, cutoff)
		if len(recent) == 0 {
			delete(s.calls, key)
			continue
		}
		s.calls[key] = recent
	}
}

// trimBefore drops timestamps at or before cutoff. calls is in ascending order.
func trimBefore(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	return calls[i:]
}
