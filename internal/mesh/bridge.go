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

package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/subject"
)

// RelayBridge translates agent identities into relay endpoint
// registrations. It owns the subject naming convention so nothing else
// in the mesh has to build subjects by hand.
type RelayBridge struct {
	Registrar module.EndpointRegistrar
	Log       log.Logger
}

// RegisterAgent binds an agent to its endpoint subject.
func (b *RelayBridge) RegisterAgent(ctx context.Context, namespace, id string) error {
	subj := subject.ForAgent(namespace, id)
	if err := b.Registrar.RegisterEndpoint(ctx, subj); err != nil {
		return fmt.Errorf("mesh: bind %s: %w", subj, err)
	}
	b.Log.DebugMsg("agent bound", "subject", subj)
	return nil
}

// UnregisterAgent removes the agent's endpoint. An endpoint that is
// already gone is fine; unregister races crash recovery.
func (b *RelayBridge) UnregisterAgent(ctx context.Context, namespace, id string) error {
	subj := subject.ForAgent(namespace, id)
	err := b.Registrar.UnregisterEndpoint(ctx, subj)
	if err != nil && !errors.Is(err, module.ErrUnknownEndpoint) {
		return fmt.Errorf("mesh: unbind %s: %w", subj, err)
	}
	b.Log.DebugMsg("agent unbound", "subject", subj)
	return nil
}
