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

package topology_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/mesh/manifest"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/mesh/topology"
	"github.com/dorklabs/dork/internal/relay/access"
)

// memRules adapts the relay's in-memory evaluator to the rule surface
// the manager expects, without persistence.
type memRules struct {
	ev *access.Evaluator
}

func newMemRules() *memRules { return &memRules{ev: access.NewEvaluator(nil)} }

func (m *memRules) AccessRules() []module.AccessRule {
	var out []module.AccessRule
	for _, r := range m.ev.Rules() {
		out = append(out, module.AccessRule{From: r.From, To: r.To, Action: string(r.Action), Priority: r.Priority})
	}
	return out
}

func (m *memRules) AddAccessRule(_ context.Context, r module.AccessRule) error {
	m.ev.Add(access.Rule{From: r.From, To: r.To, Action: access.Action(r.Action), Priority: r.Priority})
	return nil
}

func (m *memRules) RemoveAccessRule(_ context.Context, from, to string) (int, error) {
	return m.ev.Remove(from, to), nil
}

func (m *memRules) Allowed(from, to string) bool { return m.ev.Allowed(from, to) }

func newManager(t *testing.T) (*topology.Manager, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(context.Background(), filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	mgr := &topology.Manager{
		Registry: reg,
		Rules:    newMemRules(),
		Thresholds: registry.Thresholds{
			ActiveWithin:   5 * time.Minute,
			InactiveWithin: 30 * time.Minute,
		},
	}
	return mgr, reg
}

func addAgent(t *testing.T, reg *registry.Registry, id, name, ns string) {
	t.Helper()
	err := reg.Upsert(context.Background(), registry.Entry{
		Manifest: manifest.Manifest{
			ID:        id,
			Name:      name,
			Namespace: ns,
		},
		ProjectPath: "/work/" + ns + "/" + name,
		ScanRoot:    "/work",
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", name, err)
	}
}

const (
	plannerID = "01HZ0000000000000000000TP1"
	coderID   = "01HZ0000000000000000000TP2"
	deployID  = "01HZ0000000000000000000TP3"
)

func seedTwoNamespaces(t *testing.T, reg *registry.Registry) {
	t.Helper()
	addAgent(t, reg, plannerID, "planner", "core")
	addAgent(t, reg, coderID, "coder", "core")
	addAgent(t, reg, deployID, "deploy", "infra")
}

func namespaceNames(topo topology.Topology) []string {
	var out []string
	for _, ns := range topo.Namespaces {
		out = append(out, ns.Name)
	}
	return out
}

func TestGetTopologyAdminSeesEverything(t *testing.T) {
	mgr, reg := newManager(t)
	seedTwoNamespaces(t, reg)

	topo, err := mgr.GetTopology(context.Background(), topology.AdminCaller)
	if err != nil {
		t.Fatalf("GetTopology: %v", err)
	}
	got := namespaceNames(topo)
	if len(got) != 2 || got[0] != "core" || got[1] != "infra" {
		t.Fatalf("namespaces: got %v, want [core infra]", got)
	}

	core := topo.Namespaces[0]
	if len(core.Agents) != 2 {
		t.Fatalf("core agents: got %d, want 2", len(core.Agents))
	}
	a := core.Agents[0]
	if a.Subject != "relay.agent.core."+coderID {
		t.Errorf("subject: got %q", a.Subject)
	}
	if a.Health != registry.HealthStale {
		t.Errorf("health of a never-seen agent: got %q, want stale", a.Health)
	}
}

func TestGetTopologyDefaultsToOwnNamespace(t *testing.T) {
	mgr, reg := newManager(t)
	seedTwoNamespaces(t, reg)

	topo, err := mgr.GetTopology(context.Background(), "core")
	if err != nil {
		t.Fatalf("GetTopology: %v", err)
	}
	got := namespaceNames(topo)
	if len(got) != 1 || got[0] != "core" {
		t.Fatalf("namespaces: got %v, want [core]", got)
	}
}

func TestGetTopologyAllowOpensOneDirection(t *testing.T) {
	mgr, reg := newManager(t)
	seedTwoNamespaces(t, reg)
	ctx := context.Background()

	if err := mgr.AllowCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("AllowCrossNamespace: %v", err)
	}

	topo, err := mgr.GetTopology(ctx, "core")
	if err != nil {
		t.Fatalf("GetTopology(core): %v", err)
	}
	if got := namespaceNames(topo); len(got) != 2 {
		t.Errorf("core view: got %v, want [core infra]", got)
	}

	// The grant is one-way.
	topo, err = mgr.GetTopology(ctx, "infra")
	if err != nil {
		t.Fatalf("GetTopology(infra): %v", err)
	}
	if got := namespaceNames(topo); len(got) != 1 || got[0] != "infra" {
		t.Errorf("infra view: got %v, want [infra]", got)
	}
}

func TestGetTopologyDenyRestoresDefault(t *testing.T) {
	mgr, reg := newManager(t)
	seedTwoNamespaces(t, reg)
	ctx := context.Background()

	if err := mgr.AllowCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("AllowCrossNamespace: %v", err)
	}
	if err := mgr.DenyCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("DenyCrossNamespace: %v", err)
	}

	topo, err := mgr.GetTopology(ctx, "core")
	if err != nil {
		t.Fatalf("GetTopology: %v", err)
	}
	if got := namespaceNames(topo); len(got) != 1 || got[0] != "core" {
		t.Errorf("after deny: got %v, want [core]", got)
	}

	// Denying an ungranted pair stays a no-op.
	if err := mgr.DenyCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("DenyCrossNamespace(again): %v", err)
	}
}

func TestGetTopologyUnknownCallerSeesNothing(t *testing.T) {
	mgr, reg := newManager(t)
	seedTwoNamespaces(t, reg)

	topo, err := mgr.GetTopology(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetTopology: %v", err)
	}
	if len(topo.Namespaces) != 0 {
		t.Errorf("ghost view: got %v, want nothing", namespaceNames(topo))
	}
}

func TestGetAgentAccess(t *testing.T) {
	mgr, reg := newManager(t)
	seedTwoNamespaces(t, reg)
	ctx := context.Background()

	names := func(agents []topology.Agent) []string {
		var out []string
		for _, a := range agents {
			out = append(out, a.Manifest.Name)
		}
		return out
	}

	reach, err := mgr.GetAgentAccess(ctx, plannerID)
	if err != nil {
		t.Fatalf("GetAgentAccess: %v", err)
	}
	if got := names(reach); len(got) != 1 || got[0] != "coder" {
		t.Errorf("default reach: got %v, want [coder]", got)
	}

	if err := mgr.AllowCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("AllowCrossNamespace: %v", err)
	}
	reach, err = mgr.GetAgentAccess(ctx, plannerID)
	if err != nil {
		t.Fatalf("GetAgentAccess(after allow): %v", err)
	}
	if got := names(reach); len(got) != 2 {
		t.Errorf("reach after allow: got %v, want [coder deploy]", got)
	}

	if _, err := mgr.GetAgentAccess(ctx, "01HZ0000000000000000000TP9"); err == nil {
		t.Error("expected an error for an unknown agent")
	}
}

func TestAllowCrossNamespaceIsIdempotent(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	if err := mgr.AllowCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("first allow: %v", err)
	}
	if err := mgr.AllowCrossNamespace(ctx, "core", "infra"); err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if n := len(mgr.Rules.AccessRules()); n != 1 {
		t.Errorf("rules: got %d, want 1", n)
	}
}

func TestCrossNamespaceValidatesNames(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	if err := mgr.AllowCrossNamespace(ctx, "Core Team", "infra"); err == nil {
		t.Error("expected an error for an unnormalised source")
	}
	if err := mgr.DenyCrossNamespace(ctx, "core", ""); err == nil {
		t.Error("expected an error for an empty destination")
	}
}
