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

// Package module contains the adapter registry and the narrow interfaces
// crossing component boundaries.
//
// Interfaces are placed here to prevent circular dependencies: mesh talks to
// relay exclusively through Publisher, EndpointRegistrar and SignalSink, and
// adapters (builtin or dynamically loaded) depend only on this package and
// on framework/envelope.
package module

import (
	"context"

	"github.com/dorklabs/dork/framework/envelope"
)

// Adapter connects the relay to an external channel (chat network, webhook
// consumer, ...). Outbound envelopes whose subject starts with the adapter's
// subject prefix are handed to Deliver; inbound traffic is injected through
// the Publisher given to Start.
//
// Start is called before the adapter becomes visible to the delivery path
// and Stop after it has been unlinked, so implementations do not need to
// guard Deliver against calls outside the Start/Stop window.
type Adapter interface {
	// ID reports the unique identifier of this adapter instance.
	// It is used to reference the adapter in configuration and in logs.
	ID() string

	// SubjectPrefix reports the subject subtree this adapter transports,
	// e.g. "relay.telegram.". Longest-prefix routing picks the adapter for
	// an outbound envelope.
	SubjectPrefix() string

	// DisplayName reports the human label shown by status surfaces.
	DisplayName() string

	Start(pub Publisher) error
	Stop() error

	// Deliver transports an outbound envelope to the external channel.
	Deliver(ctx context.Context, subj string, env *envelope.Envelope) error

	Status() AdapterStatus
}

// AdapterStatus is a point-in-time health snapshot of an adapter.
type AdapterStatus struct {
	Running bool           `json:"running"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// AdapterManifest describes an adapter for configuration UIs. Dynamically
// loaded adapters may export it; a minimal manifest is synthesised when they
// do not.
type AdapterManifest struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	Description   string `json:"description,omitempty"`
	Version       string `json:"version,omitempty"`
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
}

// FuncNewAdapter is the factory signature for adapter construction. Builtin
// adapters register it under their type name (see Register); plugin modules
// export it as the symbol NewAdapter.
type FuncNewAdapter func(id string, cfg map[string]any) (Adapter, error)

// FuncManifest is the optional plugin symbol Manifest.
type FuncManifest func() AdapterManifest
