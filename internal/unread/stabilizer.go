// Package unread reconciles an eventually-consistent authoritative unread
// count with realtime increment events. A store recount can lag behind a
// realtime delivery the UI has already shown; trusting it blindly would make
// the badge count visibly go up, down, then up again. After each realtime
// increment the local value is trust-locked for a short window during which
// lower (non-zero) recounts are discarded as stale.
package unread

import (
	"sync"
	"time"
)

type counter struct {
	value     int
	lockUntil time.Time
}

// Stabilizer tracks one unread counter per conversation.
type Stabilizer struct {
	mu       sync.Mutex
	window   time.Duration
	counters map[string]*counter

	now func() time.Time // injectable for tests
}

// New creates a stabilizer with the given trust-lock window.
func New(window time.Duration) *Stabilizer {
	return &Stabilizer{
		window:   window,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// SetWindow changes the trust-lock window (config hot-reload). Locks already
// taken keep their original deadline.
func (s *Stabilizer) SetWindow(window time.Duration) {
	s.mu.Lock()
	s.window = window
	s.mu.Unlock()
}

// Bump increments the counter for a realtime delivery and engages the trust
// lock. Returns the new value.
func (s *Stabilizer) Bump(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[conversationID]
	if c == nil {
		c = &counter{}
		s.counters[conversationID] = c
	}
	c.value++
	c.lockUntil = s.now().Add(s.window)
	return c.value
}

// Reconcile applies an authoritative recount. While the trust lock is active
// the recount is accepted only if it is higher than the local value or
// exactly zero; anything else is discarded as stale. Outside the lock the
// recount always wins. Returns the resulting value.
func (s *Stabilizer) Reconcile(conversationID string, serverCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[conversationID]
	if c == nil {
		c = &counter{}
		s.counters[conversationID] = c
	}

	locked := s.now().Before(c.lockUntil)
	if locked && serverCount < c.value && serverCount != 0 {
		return c.value
	}
	c.value = serverCount
	if serverCount == 0 {
		c.lockUntil = time.Time{}
	}
	return c.value
}

// Clear zeroes the counter and drops its lock (the user opened the
// conversation and everything was marked read).
func (s *Stabilizer) Clear(conversationID string) {
	s.mu.Lock()
	delete(s.counters, conversationID)
	s.mu.Unlock()
}

// Get returns the current value for one conversation.
func (s *Stabilizer) Get(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.counters[conversationID]; c != nil {
		return c.value
	}
	return 0
}

// Snapshot returns all non-zero counters.
func (s *Stabilizer) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counters))
	for id, c := range s.counters {
		if c.value > 0 {
			out[id] = c.value
		}
	}
	return out
}
