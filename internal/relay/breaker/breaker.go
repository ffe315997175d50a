/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package breaker tracks per-endpoint delivery health. Endpoints that
// keep failing get their mailbox fenced off until a cooldown passes and
// a limited number of probe deliveries proves them healthy again.
package breaker

import (
	"sync"
	"time"
)

// State of one endpoint's breaker.
type State int

const (
	// StateClosed lets traffic through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects all traffic until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of concurrent probes through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "invalid"
	}
}

// Config tunes every breaker in a Set. See the reliability section of
// the daemon configuration.
type Config struct {
	// Consecutive failures that trip a closed breaker.
	FailureThreshold int
	// How long an open breaker rejects before probing.
	Cooldown time.Duration
	// Concurrent probe deliveries allowed while half-open.
	HalfOpenProbeCount int
	// Consecutive probe successes that close the breaker.
	SuccessToClose int
}

type breaker struct {
	state     State
	failures  int
	successes int
	inflight  int
	openedAt  time.Time
}

// Set holds one breaker per endpoint hash. Breakers materialize closed
// on first use and are dropped on Forget when an endpoint unregisters.
type Set struct {
	mu        sync.Mutex
	cfg       Config
	endpoints map[string]*breaker

	now func() time.Time // swapped in tests
}

func NewSet(cfg Config) *Set {
	return &Set{
		cfg:       cfg,
		endpoints: map[string]*breaker{},
		now:       time.Now,
	}
}

// Reconfigure swaps the tuning without touching breaker states; a
// shorter cooldown applies to already-open breakers on their next check.
func (s *Set) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Set) get(hash string) *breaker {
	b, ok := s.endpoints[hash]
	if !ok {
		b = &breaker{state: StateClosed}
		s.endpoints[hash] = b
	}
	return b
}

// Allow reports whether a delivery to the endpoint may proceed. In the
// half-open state an allowed call consumes a probe slot that is handed
// back by RecordSuccess or RecordFailure.
func (s *Set) Allow(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	if b.state == StateOpen && s.now().Sub(b.openedAt) >= s.cfg.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
		b.inflight = 0
	}

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.inflight >= s.cfg.HalfOpenProbeCount {
			return false
		}
		b.inflight++
		return true
	default:
		return false
	}
}

// RecordSuccess reports a completed delivery. Enough consecutive
// successes close a half-open breaker.
func (s *Set) RecordSuccess(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.inflight > 0 {
			b.inflight--
		}
		b.successes++
		if b.successes >= s.cfg.SuccessToClose {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.inflight = 0
		}
	case StateOpen:
		// Late result from before the trip; the cooldown stands.
	}
}

// Cancel hands back a probe slot taken by Allow without recording an
// outcome. Used when a claimed delivery turns out to be a no-op (the
// message vanished or expired before any attempt was made).
func (s *Set) Cancel(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	if b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
}

// RecordFailure reports a failed delivery. It trips a closed breaker at
// the failure threshold and reopens a half-open one immediately.
func (s *Set) RecordFailure(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= s.cfg.FailureThreshold {
			s.trip(b)
		}
	case StateHalfOpen:
		s.trip(b)
	case StateOpen:
	}
}

func (s *Set) trip(b *breaker) {
	b.state = StateOpen
	b.openedAt = s.now()
	b.failures = 0
	b.successes = 0
	b.inflight = 0
}

// StateOf returns the current state without consuming a probe slot.
func (s *Set) StateOf(hash string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.endpoints[hash]
	if !ok {
		return StateClosed
	}
	if b.state == StateOpen && s.now().Sub(b.openedAt) >= s.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// States snapshots every tracked breaker, keyed by endpoint hash.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.endpoints))
	for hash, b := range s.endpoints {
		state := b.state
		if state == StateOpen && s.now().Sub(b.openedAt) >= s.cfg.Cooldown {
			state = StateHalfOpen
		}
		out[hash] = state
	}
	return out
}

// Forget drops the breaker for an unregistered endpoint.
func (s *Set) Forget(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, hash)
}
