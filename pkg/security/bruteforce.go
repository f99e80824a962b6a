package security

import (
	"sync"
	"time"
)

const (
	// defaultBruteWindow bounds how far back failures count.
	defaultBruteWindow = 15 * time.Minute

	// defaultBruteThreshold is the failure count that triggers a lock.
	defaultBruteThreshold = 10

	// defaultBruteLock is the lockout duration once triggered.
	defaultBruteLock = 30 * time.Minute
)

type bruteEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

// BruteForceDetector tracks authentication failures per key and locks the
// key out after repeated failures inside the window.
type BruteForceDetector struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	lock      time.Duration
	entries   map[string]*bruteEntry

	now func() time.Time
}

// NewBruteForceDetector creates a detector locking a key out for lock after
// threshold failures inside window. Non-positive arguments fall back to the
// defaults.
func NewBruteForceDetector(threshold int, window, lock time.Duration) *BruteForceDetector {
	if threshold <= 0 {
		threshold = defaultBruteThreshold
	}
	if window <= 0 {
		window = defaultBruteWindow
	}
	if lock <= 0 {
		lock = defaultBruteLock
	}
	return &BruteForceDetector{
		threshold: threshold,
		window:    window,
		lock:      lock,
		entries:   make(map[string]*bruteEntry),
		now:       time.Now,
	}
}

// RecordFailure registers one failed attempt and reports whether the key is
// now locked.
func (d *BruteForceDetector) RecordFailure(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	entry, ok := d.entries[key]
	if !ok {
		entry = &bruteEntry{}
		d.entries[key] = entry
	}
	if now.Before(entry.lockedUntil) {
		return true
	}

	cutoff := now.Add(-d.window)
	kept := entry.failures[:0]
	for _, t := range entry.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.failures = append(kept, now)

	if len(entry.failures) >= d.threshold {
		entry.lockedUntil = now.Add(d.lock)
		return true
	}
	return false
}

// LockDuration is how long a triggered lockout persists.
func (d *BruteForceDetector) LockDuration() time.Duration {
	return d.lock
}

// RecordSuccess clears all state for the key.
func (d *BruteForceDetector) RecordSuccess(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

// IsLocked reports whether the key is currently locked out.
func (d *BruteForceDetector) IsLocked(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[key]
	return ok && d.now().Before(entry.lockedUntil)
}
