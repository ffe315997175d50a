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

// Package adapters manages the running set of external channel adapters.
//
// Adapters are instantiated from configuration entries: builtin types come
// from the framework/module factory registry, dynamically loaded ones from
// Go plugin objects (see plugin.go). The Registry owns adapter lifecycle
// (start before visible, stop after unlinked) and routes outbound envelopes
// by longest matching subject prefix.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
)

type running struct {
	adapter  module.Adapter
	manifest module.AdapterManifest
}

// Registry holds the live adapter instances. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	running map[string]running

	pub module.Publisher

	Log log.Logger
}

// New creates an empty Registry. pub is handed to every adapter's Start so
// inbound traffic can be injected into the bus.
func New(pub module.Publisher) *Registry {
	return &Registry{
		running: make(map[string]running),
		pub:     pub,
		Log:     log.Logger{Name: "adapters"},
	}
}

// Load brings the running set in line with entries. Enabled entries are
// instantiated and registered (replacing a previous instance with the same
// id), running adapters that are no longer configured are stopped. A broken
// entry aborts only that adapter; the rest still load.
func (r *Registry) Load(cfgDir string, entries []config.AdapterConfig) {
	want := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsEnabled() {
			continue
		}
		want[entry.ID] = true

		factory, manifest, err := factoryFor(cfgDir, entry)
		if err != nil {
			r.Log.Error("adapter skipped", err, "id", entry.ID, "type", entry.Type)
			continue
		}
		ad, err := factory(entry.ID, entry.Config)
		if err != nil {
			r.Log.Error("adapter skipped", err, "id", entry.ID, "type", entry.Type)
			continue
		}
		if err := checkShape(entry.ID, ad); err != nil {
			r.Log.Error("adapter skipped", err, "id", entry.ID, "type", entry.Type)
			continue
		}
		if err := r.register(ad, manifest); err != nil {
			r.Log.Error("adapter skipped", err, "id", entry.ID, "type", entry.Type)
			continue
		}
		r.Log.DebugMsg("adapter loaded", "id", entry.ID, "type", entry.Type,
			"prefix", ad.SubjectPrefix())
	}

	r.mu.RLock()
	var stale []string
	for id := range r.running {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		if err := r.Remove(id); err != nil {
			r.Log.Error("stopping removed adapter", err, "id", id)
		}
	}
}

// Register starts ad and swaps it into the routing table. The previous
// instance under the same id, if any, stays live until the new one started
// successfully and is stopped only after the swap; its stop errors are
// logged, not propagated. This is the hot-reload contract.
func (r *Registry) Register(ad module.Adapter) error {
	return r.register(ad, nil)
}

func (r *Registry) register(ad module.Adapter, manifest module.FuncManifest) error {
	if err := ad.Start(r.pub); err != nil {
		return fmt.Errorf("adapters: start %s: %w", ad.ID(), err)
	}

	r.mu.Lock()
	old, replaced := r.running[ad.ID()]
	r.running[ad.ID()] = running{adapter: ad, manifest: synthManifest(ad, manifest)}
	r.mu.Unlock()

	if replaced {
		if err := old.adapter.Stop(); err != nil {
			r.Log.Error("stopping replaced adapter", err, "id", ad.ID())
		}
	}
	return nil
}

// Remove unlinks the adapter and stops it. Removing an unknown id is not an
// error.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	entry, ok := r.running[id]
	delete(r.running, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := entry.adapter.Stop(); err != nil {
		return fmt.Errorf("adapters: stop %s: %w", id, err)
	}
	return nil
}

// Deliver hands env to the adapter whose subject prefix matches subj,
// longest prefix winning. It reports false when no adapter transports the
// subject; a non-nil error always comes from a matched adapter.
func (r *Registry) Deliver(ctx context.Context, subj string, env *envelope.Envelope) (bool, error) {
	r.mu.RLock()
	var best module.Adapter
	bestLen := -1
	for _, entry := range r.running {
		prefix := entry.adapter.SubjectPrefix()
		if strings.HasPrefix(subj, prefix) && len(prefix) > bestLen {
			best = entry.adapter
			bestLen = len(prefix)
		}
	}
	r.mu.RUnlock()

	if best == nil {
		return false, nil
	}

	deliveriesTotal.WithLabelValues(best.ID()).Inc()
	if err := best.Deliver(ctx, subj, env); err != nil {
		deliveryFailures.WithLabelValues(best.ID()).Inc()
		return true, fmt.Errorf("adapters: %s: %w", best.ID(), err)
	}
	return true, nil
}

// Statuses reports a point-in-time health snapshot per running adapter.
func (r *Registry) Statuses() map[string]module.AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]module.AdapterStatus, len(r.running))
	for id, entry := range r.running {
		out[id] = entry.adapter.Status()
	}
	return out
}

// Manifests lists the manifest of every running adapter, keyed by id.
func (r *Registry) Manifests() map[string]module.AdapterManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]module.AdapterManifest, len(r.running))
	for id, entry := range r.running {
		out[id] = entry.manifest
	}
	return out
}

// Shutdown stops all adapters concurrently. Every adapter gets its Stop call
// even when a sibling fails; the first failure is returned after all stops
// completed.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	stopping := make([]module.Adapter, 0, len(r.running))
	for _, entry := range r.running {
		stopping = append(stopping, entry.adapter)
	}
	r.running = make(map[string]running)
	r.mu.Unlock()

	var eg errgroup.Group
	for _, ad := range stopping {
		ad := ad
		eg.Go(func() error {
			if err := ad.Stop(); err != nil {
				r.Log.Error("adapter shutdown", err, "id", ad.ID())
				return fmt.Errorf("stop %s: %w", ad.ID(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// checkShape validates an instance right after construction so a misbehaving
// factory aborts one adapter instead of poisoning the routing table.
func checkShape(id string, ad module.Adapter) error {
	if ad == nil {
		return errors.New("adapters: factory returned nil")
	}
	if ad.ID() != id {
		return fmt.Errorf("adapters: instance reports id %q, configured as %q", ad.ID(), id)
	}
	if ad.SubjectPrefix() == "" {
		return errors.New("adapters: empty subject prefix")
	}
	return nil
}

func synthManifest(ad module.Adapter, fn module.FuncManifest) module.AdapterManifest {
	if fn != nil {
		m := fn()
		if m.SubjectPrefix == "" {
			m.SubjectPrefix = ad.SubjectPrefix()
		}
		return m
	}
	return module.AdapterManifest{
		ID:            ad.ID(),
		DisplayName:   ad.DisplayName(),
		SubjectPrefix: ad.SubjectPrefix(),
	}
}
