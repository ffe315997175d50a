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

package module

import (
	"context"
	"errors"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
)

// ErrUnknownEndpoint is returned by relay operations that name a subject
// with no registered mailbox.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Publisher accepts envelopes into the bus. Implemented by the relay core,
// consumed by adapters (inbound traffic) and in-process producers.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) (*PublishReceipt, error)
}

// EndpointRegistrar manages endpoint lifecycle. Together with Publisher and
// AccessManager it is the whole relay surface the mesh depends on.
type EndpointRegistrar interface {
	RegisterEndpoint(ctx context.Context, subj string) error
	UnregisterEndpoint(ctx context.Context, subj string) error
}

// AccessRule is one bus access control entry as exposed to management
// surfaces. Patterns use the subscription wildcard grammar; Action is
// "allow" or "deny".
type AccessRule struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
}

// AccessManager reads and edits the access rule set and answers the
// question the rules exist for.
type AccessManager interface {
	AccessRules() []AccessRule
	AddAccessRule(ctx context.Context, r AccessRule) error
	RemoveAccessRule(ctx context.Context, from, to string) (int, error)
	Allowed(from, to string) bool
}

// PublishReceipt reports the outcome of a single publish: which endpoints
// accepted the envelope and which rejected it. A publish that reaches zero
// endpoints is not an error.
type PublishReceipt struct {
	MessageID   string      `json:"messageId"`
	DeliveredTo []string    `json:"deliveredTo"`
	Rejected    []Rejection `json:"rejected,omitempty"`
}

// Rejection is a per-endpoint delivery refusal carried in a receipt.
type Rejection struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason"`
}

// Handler consumes a message claimed from an endpoint mailbox. A non-nil
// error marks the message as failed.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Signal kinds fanned out by the relay. Signals are ephemeral: never
// persisted, never retried, dropped when nobody listens.
const (
	SignalTyping          = "typing"
	SignalPresence        = "presence"
	SignalReadReceipt     = "read_receipt"
	SignalDeliveryReceipt = "delivery_receipt"
	SignalProgress        = "progress"
	SignalBackpressure    = "backpressure"
)

// Signal is a transient event observed by in-process listeners and, through
// collaborators outside the core, SSE streams.
type Signal struct {
	Type            string         `json:"type"`
	State           string         `json:"state,omitempty"`
	EndpointSubject string         `json:"endpointSubject,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Data            map[string]any `json:"data,omitempty"`
}

// SignalSink receives signals. Emit must never block; slow consumers lose
// signals rather than stalling delivery.
type SignalSink interface {
	Emit(sig Signal)
}
