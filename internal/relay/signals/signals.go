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

// Package signals fans out ephemeral state (typing, presence, receipts)
// to in-process subscribers. Signals are fire-and-forget: nothing is
// persisted, and a subscriber that cannot keep up loses signals rather
// than slowing the delivery path down.
package signals

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/subject"
)

const defaultBuffer = 16

type subscriber struct {
	pattern string // empty matches every signal
	ch      chan module.Signal
}

// Hub implements module.SignalSink.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	Log log.Logger
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]*subscriber{},
		Log:  log.Logger{Name: "signals"},
	}
}

// Subscribe registers a listener and returns its cancellation token. A
// non-empty pattern narrows delivery to signals whose endpoint subject
// matches it. The channel is buffered; once full, new signals for this
// subscriber are dropped.
func (h *Hub) Subscribe(pattern string, buffer int) (string, <-chan module.Signal) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{
		pattern: pattern,
		ch:      make(chan module.Signal, buffer),
	}
	token := uuid.NewString()

	h.mu.Lock()
	h.subs[token] = sub
	h.mu.Unlock()
	return token, sub.ch
}

// Unsubscribe drops the listener and closes its channel. Unknown tokens
// are ignored.
func (h *Hub) Unsubscribe(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[token]
	if !ok {
		return
	}
	delete(h.subs, token)
	close(sub.ch)
}

// Emit delivers the signal to every matching subscriber without ever
// blocking. A zero timestamp is stamped with the current time.
func (h *Hub) Emit(sig module.Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	signalsEmitted.WithLabelValues(sig.Type).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.pattern != "" && !subject.Match(sub.pattern, sig.EndpointSubject) {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
			signalsDropped.WithLabelValues(sig.Type).Inc()
			h.Log.DebugMsg("signal dropped", "type", sig.Type, "endpoint", sig.EndpointSubject)
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, sub := range h.subs {
		delete(h.subs, token)
		close(sub.ch)
	}
}
