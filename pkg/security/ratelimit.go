package security

import (
	"sync"
	"time"
)

const (
	// rateWindow is the sliding window width.
	rateWindow = time.Minute

	// defaultRateBlock is how long a key stays blocked after exceeding the
	// limit when no duration is configured.
	defaultRateBlock = 5 * time.Minute
)

type rateEntry struct {
	hits         []time.Time
	blockedUntil time.Time
}

// RateLimiter is an in-process sliding-window limiter keyed by an arbitrary
// string, usually "ip:<addr>".
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	blockFor time.Duration
	entries  map[string]*rateEntry

	now func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per minute per
// key; a key that exceeds it is blocked for blockFor (the default when
// non-positive).
func NewRateLimiter(limit int, blockFor time.Duration) *RateLimiter {
	if blockFor <= 0 {
		blockFor = defaultRateBlock
	}
	return &RateLimiter{
		limit:    limit,
		blockFor: blockFor,
		entries:  make(map[string]*rateEntry),
		now:      time.Now,
	}
}

// Allow records one request for key and reports whether it is admitted.
// While a key is blocked, requests are rejected without being recorded.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok {
		entry = &rateEntry{}
		l.entries[key] = entry
	}
	if now.Before(entry.blockedUntil) {
		return false
	}

	cutoff := now.Add(-rateWindow)
	kept := entry.hits[:0]
	for _, t := range entry.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.hits = append(kept, now)

	if len(entry.hits) > l.limit {
		entry.blockedUntil = now.Add(l.blockFor)
		return false
	}
	return true
}

// Cleanup drops idle entries: no hits inside twice the window and no active
// block. Returns the number of entries removed.
func (l *RateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-2 * rateWindow)
	removed := 0
	for key, entry := range l.entries {
		if now.Before(entry.blockedUntil) {
			continue
		}
		idle := true
		for _, t := range entry.hits {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
