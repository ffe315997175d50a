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

// Package limiters implements the publish-side sender rate limiting.
// Unlike a token bucket, the sliding window log never blocks: a publish
// either fits in the window or is rejected outright, so a chatty agent
// fails fast instead of queueing.
package limiters

import "time"

// Window is a sliding log of event times. It is not safe for concurrent
// use on its own; SenderSet guards access.
type Window struct {
	events []time.Time
}

// prune drops events that left the window.
func (w *Window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for ; i < len(w.events); i++ {
		if w.events[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Take records an event if fewer than limit happened within span of now.
// A limit of zero or less means unlimited.
func (w *Window) Take(now time.Time, span time.Duration, limit int) bool {
	if limit <= 0 {
		return true
	}
	w.prune(now, span)
	if len(w.events) >= limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Len counts the events still inside the window.
func (w *Window) Len(now time.Time, span time.Duration) int {
	w.prune(now, span)
	return len(w.events)
}
