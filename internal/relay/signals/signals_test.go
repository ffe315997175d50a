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

package signals_test

import (
	"testing"

	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/signals"
)

func TestEmitReachesSubscriber(t *testing.T) {
	h := signals.NewHub()
	defer h.Close()

	token, ch := h.Subscribe("", 4)
	defer h.Unsubscribe(token)

	h.Emit(module.Signal{
		Type:            module.SignalTyping,
		State:           "start",
		EndpointSubject: "relay.agent.core.alice",
	})

	sig := <-ch
	if sig.Type != module.SignalTyping {
		t.Errorf("Type: got %q, want %q", sig.Type, module.SignalTyping)
	}
	if sig.Timestamp.IsZero() {
		t.Error("Emit must stamp a zero timestamp")
	}
}

func TestPatternFilter(t *testing.T) {
	h := signals.NewHub()
	defer h.Close()

	_, core := h.Subscribe("relay.agent.core.>", 4)
	_, all := h.Subscribe("", 4)

	h.Emit(module.Signal{Type: module.SignalPresence, EndpointSubject: "relay.agent.infra.deploy"})

	select {
	case sig := <-core:
		t.Fatalf("filtered subscriber got %+v", sig)
	default:
	}
	if sig := <-all; sig.EndpointSubject != "relay.agent.infra.deploy" {
		t.Errorf("unfiltered subscriber: got %q", sig.EndpointSubject)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := signals.NewHub()
	defer h.Close()

	_, ch := h.Subscribe("", 2)

	// Three emits into a buffer of two must not block the caller.
	for i := 0; i < 3; i++ {
		h.Emit(module.Signal{Type: module.SignalProgress, EndpointSubject: "relay.agent.core.alice"})
	}

	received := 0
drain:
	for {
		select {
		case <-ch:
			received++
		default:
			break drain
		}
	}
	if received != 2 {
		t.Errorf("buffered signals: got %d, want 2", received)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := signals.NewHub()
	defer h.Close()

	token, ch := h.Subscribe("", 1)
	h.Unsubscribe(token)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Emitting afterwards must not panic.
	h.Emit(module.Signal{Type: module.SignalTyping, EndpointSubject: "relay.agent.core.alice"})

	// Unknown tokens are ignored.
	h.Unsubscribe("not-a-token")
}
