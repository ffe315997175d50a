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

// Package mesh maintains the agent registry and its binding to the bus.
//
// Mesh decides who exists: it discovers agent projects on disk, assigns
// them identities and namespaces, and registers each one as a relay
// endpoint (relay.agent.<namespace>.<id>). The relay decides how they
// talk. The only relay surface mesh touches is the interface set in
// framework/module, so the two cores stay independently testable.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/mesh/discovery"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/mesh/topology"
)

// SignalHealthChanged is emitted through the signal sink whenever an
// agent's derived health status transitions.
const SignalHealthChanged = "mesh.agent.lifecycle.health_changed"

// Options carries the mesh core's collaborators and tuning.
type Options struct {
	// RegistryPath locates agents.db.
	RegistryPath string

	// Registrar binds agents to relay endpoints.
	Registrar module.EndpointRegistrar

	// Rules is the relay's access rule surface, used for topology views
	// and namespace grants.
	Rules module.AccessManager

	// Signals receives health transition signals. Optional.
	Signals module.SignalSink

	Scan   config.ScanConfig
	Health config.HealthConfig
}

// Core is the mesh. It is safe for concurrent use.
type Core struct {
	Log log.Logger

	reg     *registry.Registry
	topo    *topology.Manager
	bridge  *RelayBridge
	rules   module.AccessManager
	signals module.SignalSink
	scanner *discovery.Scanner

	scan       config.ScanConfig
	thresholds registry.Thresholds
	sweepEvery time.Duration

	// lastKnown remembers the health each agent was last observed at,
	// so the sweeper only signals transitions it has not announced.
	healthMu  sync.Mutex
	lastKnown map[string]registry.Health

	stopOnce  sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New opens the registry and starts the health sweeper. Close stops it.
func New(ctx context.Context, opts Options) (*Core, error) {
	if opts.Registrar == nil {
		return nil, errors.New("mesh: nil endpoint registrar")
	}
	if opts.Rules == nil {
		return nil, errors.New("mesh: nil access manager")
	}

	reg, err := registry.Open(ctx, opts.RegistryPath)
	if err != nil {
		return nil, err
	}

	thr := registry.Thresholds{
		ActiveWithin:   opts.Health.ActiveWithin.Std(),
		InactiveWithin: opts.Health.InactiveWithin.Std(),
	}
	if thr.ActiveWithin <= 0 {
		thr.ActiveWithin = 5 * time.Minute
	}
	if thr.InactiveWithin <= 0 {
		thr.InactiveWithin = 30 * time.Minute
	}
	sweepEvery := opts.Health.SweepInterval.Std()
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}

	c := &Core{
		Log:        log.Logger{Name: "mesh"},
		reg:        reg,
		rules:      opts.Rules,
		signals:    opts.Signals,
		scan:       opts.Scan,
		thresholds: thr,
		sweepEvery: sweepEvery,
		lastKnown:  map[string]registry.Health{},
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	c.topo = &topology.Manager{Registry: reg, Rules: opts.Rules, Thresholds: thr}
	c.bridge = &RelayBridge{Registrar: opts.Registrar, Log: log.Logger{Name: "mesh/bridge"}}
	c.scanner = &discovery.Scanner{
		Strategies:   discovery.Builtin(),
		IsRegistered: c.isRegistered,
		Log:          log.Logger{Name: "mesh/scanner"},
	}

	go c.sweepLoop()
	c.Log.DebugMsg("mesh ready", "registry", opts.RegistryPath, "sweep", sweepEvery)
	return c, nil
}

// Close stops the sweeper and releases the registry.
func (c *Core) Close() error {
	c.stopOnce.Do(func() { close(c.sweepStop) })
	<-c.sweepDone
	return c.reg.Close()
}

func (c *Core) isRegistered(ctx context.Context, path string) bool {
	_, err := c.reg.GetByPath(ctx, path)
	return err == nil
}

// Registry exposes the agent table for read-mostly callers such as the
// management CLI.
func (c *Core) Registry() *registry.Registry {
	return c.reg
}

// Topology exposes the namespace visibility views.
func (c *Core) Topology() *topology.Manager {
	return c.topo
}

// Stats rolls up the registry with health derived right now.
func (c *Core) Stats(ctx context.Context) (registry.Stats, error) {
	return c.reg.AggregateStats(ctx, time.Now().UTC(), c.thresholds)
}
