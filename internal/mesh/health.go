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
	"io/fs"
	"os"
	"time"

	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/relay/subject"
)

// sweepTimeout bounds one sweep pass so a stuck filesystem cannot wedge
// the loop.
const sweepTimeout = 30 * time.Second

// UpdateLastSeen stamps message traffic on the agent and announces the
// transition if the agent was not already active.
func (c *Core) UpdateLastSeen(ctx context.Context, id, event string) error {
	now := time.Now().UTC()
	e, err := c.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	before := e.Health(now, c.thresholds)
	if err := c.reg.UpdateHealth(ctx, id, now, event); err != nil {
		return err
	}
	if before != registry.HealthActive {
		c.emitHealthChanged(e, before, registry.HealthActive, now)
	}
	c.healthMu.Lock()
	c.lastKnown[id] = registry.HealthActive
	c.healthMu.Unlock()
	return nil
}

// Sweep walks every registered agent once: flips reachability when the
// project directory vanished or came back, and announces health
// transitions that happened by clock alone.
func (c *Core) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	entries, err := c.reg.List(ctx, registry.Filter{})
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(entries))
	for _, e := range entries {
		id := e.Manifest.ID
		live[id] = true

		_, serr := os.Stat(e.ProjectPath)
		switch {
		case errors.Is(serr, fs.ErrNotExist) && !e.Unreachable:
			if err := c.reg.MarkUnreachable(ctx, id); err != nil {
				c.Log.Error("unreachable mark failed", err, "agent", id)
			} else {
				c.Log.Msg("agent unreachable", "agent", id, "path", e.ProjectPath)
			}
		case serr == nil && e.Unreachable:
			if err := c.reg.MarkReachable(ctx, id); err != nil {
				c.Log.Error("reachable mark failed", err, "agent", id)
			} else {
				c.Log.Msg("agent reachable again", "agent", id, "path", e.ProjectPath)
			}
		}

		h := e.Health(now, c.thresholds)
		c.healthMu.Lock()
		prev, known := c.lastKnown[id]
		c.lastKnown[id] = h
		c.healthMu.Unlock()
		if known && prev != h {
			c.emitHealthChanged(e, prev, h, now)
		}
	}

	// Agents unregistered out of band must not leak dedupe state.
	c.healthMu.Lock()
	for id := range c.lastKnown {
		if !live[id] {
			delete(c.lastKnown, id)
		}
	}
	c.healthMu.Unlock()

	sweepsTotal.Inc()
	return nil
}

func (c *Core) sweepLoop() {
	defer close(c.sweepDone)
	t := time.NewTicker(c.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if err := c.Sweep(ctx); err != nil {
				c.Log.Error("health sweep failed", err)
			}
			cancel()
		}
	}
}

func (c *Core) emitHealthChanged(e registry.Entry, from, to registry.Health, now time.Time) {
	healthTransitions.WithLabelValues(string(to)).Inc()
	if c.signals == nil {
		return
	}
	c.signals.Emit(module.Signal{
		Type:            SignalHealthChanged,
		State:           string(to),
		EndpointSubject: subject.ForAgent(e.Manifest.Namespace, e.Manifest.ID),
		Timestamp:       now,
		Data: map[string]any{
			"agentId": e.Manifest.ID,
			"from":    string(from),
			"to":      string(to),
		},
	})
}
