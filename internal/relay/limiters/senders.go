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

package limiters

import (
	"sync"
	"time"

	"github.com/dorklabs/dork/internal/relay/subject"
)

// Override raises or lowers the per-window cap for senders matching a
// subject pattern. The first matching override wins.
type Override struct {
	Pattern string
	Max     int
}

// Config tunes a SenderSet.
type Config struct {
	// Window length. Zero disables limiting entirely.
	Window time.Duration
	// Default events per window per sender. Zero or less is unlimited.
	Max int
	// Per-sender exceptions, evaluated in order.
	Overrides []Override
}

// SenderSet keeps one sliding window per sender subject. Entries for
// senders that went quiet are reaped once the map grows past MaxSenders,
// in the same opportunistic way the map is otherwise touched: during
// Take under the set lock.
type SenderSet struct {
	// MaxSenders bounds the window map. Reaping starts above this size.
	MaxSenders int

	mu      sync.Mutex
	cfg     Config
	senders map[string]*senderWindow

	now func() time.Time // swapped in tests
}

type senderWindow struct {
	w       Window
	lastUse time.Time
}

func NewSenderSet(cfg Config) *SenderSet {
	return &SenderSet{
		MaxSenders: 4096,
		cfg:        cfg,
		senders:    map[string]*senderWindow{},
		now:        time.Now,
	}
}

// Reconfigure swaps the limits. Events already recorded keep counting
// against the new window.
func (s *SenderSet) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *SenderSet) limitFor(sender string) int {
	for _, o := range s.cfg.Overrides {
		if subject.Match(o.Pattern, sender) {
			return o.Max
		}
	}
	return s.cfg.Max
}

// Take records one publish for the sender and reports whether it fit in
// the window.
func (s *SenderSet) Take(sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Window <= 0 {
		return true
	}
	now := s.now()
	s.reap(now)

	sw, ok := s.senders[sender]
	if !ok {
		sw = &senderWindow{}
		s.senders[sender] = sw
	}
	sw.lastUse = now
	return sw.w.Take(now, s.cfg.Window, s.limitFor(sender))
}

// Used reports how many publishes the sender has inside the current
// window.
func (s *SenderSet) Used(sender string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Window <= 0 {
		return 0
	}
	sw, ok := s.senders[sender]
	if !ok {
		return 0
	}
	return sw.w.Len(s.now(), s.cfg.Window)
}

// reap removes senders idle for more than two windows. Runs under the
// set lock, only once the map is oversized.
func (s *SenderSet) reap(now time.Time) {
	if len(s.senders) <= s.MaxSenders {
		return
	}
	stale := now.Add(-2 * s.cfg.Window)
	for sender, sw := range s.senders {
		if sw.lastUse.Before(stale) {
			delete(s.senders, sender)
		}
	}
}
