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

// Package envelope defines the message carrier moved by the relay and the
// per-hop budget attached to it. Envelopes are opaque to the bus: the
// payload is never inspected, only the addressing fields and the budget are.
//
// The package is public because it is part of the adapter plugin contract.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Envelope is an immutable payload carrier. The budget is the only part
// that changes between hops and envelopes are copied for that (WithBudget).
//
// Unknown JSON fields seen during unmarshaling are kept and written back on
// marshaling, so foreign producers can attach extensions without the bus
// dropping them.
type Envelope struct {
	// ID is a ULID assigned by the relay on first accept. It doubles as the
	// mailbox filename of the message.
	ID      string
	Subject string
	From    string
	ReplyTo string
	// CreatedAt is stamped by the publisher, UTC.
	CreatedAt time.Time
	Payload   json.RawMessage
	Budget    *Budget

	extra map[string]json.RawMessage
}

// NewID returns a fresh lexicographically sortable envelope id.
func NewID() string {
	return ulid.Make().String()
}

// Validate checks the addressing fields that the bus depends on. The payload
// is intentionally not checked.
func (e *Envelope) Validate() error {
	if e.Subject == "" {
		return errors.New("envelope: empty subject")
	}
	if e.From == "" {
		return errors.New("envelope: empty from")
	}
	if e.ID != "" {
		if _, err := ulid.ParseStrict(e.ID); err != nil {
			return fmt.Errorf("envelope: malformed id: %w", err)
		}
	}
	return nil
}

// WithBudget returns a shallow copy of e carrying the passed budget.
func (e *Envelope) WithBudget(b *Budget) *Envelope {
	cpy := *e
	cpy.Budget = b
	return &cpy
}

type envelopeJSON struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	From      string          `json:"from"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Budget    *Budget         `json:"budget,omitempty"`
}

var knownEnvelopeFields = map[string]struct{}{
	"id": {}, "subject": {}, "from": {}, "replyTo": {},
	"createdAt": {}, "payload": {}, "budget": {},
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields envelopeJSON
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, ok := knownEnvelopeFields[k]; ok {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}

	var createdAt time.Time
	if fields.CreatedAt != "" {
		var err error
		createdAt, err = time.Parse(time.RFC3339Nano, fields.CreatedAt)
		if err != nil {
			return fmt.Errorf("envelope: malformed createdAt: %w", err)
		}
	}

	*e = Envelope{
		ID:        fields.ID,
		Subject:   fields.Subject,
		From:      fields.From,
		ReplyTo:   fields.ReplyTo,
		CreatedAt: createdAt,
		Payload:   fields.Payload,
		Budget:    fields.Budget,
		extra:     raw,
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(e.extra)+7)
	for k, v := range e.extra {
		doc[k] = v
	}

	var createdAt string
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	known, err := json.Marshal(envelopeJSON{
		ID:        e.ID,
		Subject:   e.Subject,
		From:      e.From,
		ReplyTo:   e.ReplyTo,
		CreatedAt: createdAt,
		Payload:   e.Payload,
		Budget:    e.Budget,
	})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		doc[k] = v
	}

	return json.Marshal(doc)
}
