// Package decaying implements a TTL-bounded membership cache used across
// the stack for deduplication and backoff: lookup coalescing windows,
// bad-intro caches, replay-guard sets.
package decaying

import (
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const defaultInterval = 5 * time.Second

// Set is a mapping from a hashable value to the timestamp of its
// insertion, decayed on demand rather than by a background timer: a
// caller must invoke Decay on its own tick for entries to expire.
//
// Between Insert(v) at t and the next Decay call at t' >= t+interval,
// Contains(v) returns true. Zero value is not usable; use New.
type Set[V comparable] struct {
	interval time.Duration
	values   map[V]time.Time
}

// New creates a Set whose entries survive for interval after insertion.
// A zero or negative interval falls back to a 5s default.
func New[V comparable](interval time.Duration) *Set[V] {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Set[V]{
		interval: interval,
		values:   make(map[V]time.Time),
	}
}

// Contains reports whether v is present, regardless of whether it is
// past due for decay (decay only happens on an explicit Decay call).
func (s *Set[V]) Contains(v V) bool {
	_, ok := s.values[v]
	return ok
}

// Insert records v at time now and reports whether it was newly
// inserted. It returns false if v was already present (and not yet
// decayed), true otherwise.
func (s *Set[V]) Insert(v V, now time.Time) bool {
	if _, exists := s.values[v]; exists {
		return false
	}
	s.values[v] = now
	return true
}

// Decay erases every entry whose insertion time plus the configured
// interval is at or before now.
func (s *Set[V]) Decay(now time.Time) {
	removed := 0
	for v, t := range s.values {
		if t.Add(s.interval).Before(now) || t.Add(s.interval).Equal(now) {
			delete(s.values, v)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(Set) Decay",
			"removed": removed,
			"remain":  len(s.values),
		}).Debug("decayed expired entries")
	}
}

// Empty reports whether the set currently holds no entries.
func (s *Set[V]) Empty() bool {
	return len(s.values) == 0
}

// Len reports the current number of entries, decayed or not.
func (s *Set[V]) Len() int {
	return len(s.values)
}

// Interval returns the configured decay interval.
func (s *Set[V]) Interval() time.Duration {
	return s.interval
}

// SetInterval updates the decay interval used by future Decay calls.
func (s *Set[V]) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	s.interval = interval
}
