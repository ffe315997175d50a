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

// Package topology composes the agent registry with the relay's access
// rules into namespace-scoped views: who exists, and who may talk to
// whom. It only reads agents and rules; mutation stays with the mesh
// core and the relay.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/mesh/namespace"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/relay/subject"
)

// AdminCaller is the sentinel caller namespace that sees everything.
const AdminCaller = "*"

// Agent is one registry entry as seen through the topology, with its
// relay subject and health derived at view time.
type Agent struct {
	registry.Entry
	Subject string
	Health  registry.Health
}

// NamespaceView groups the visible agents of one namespace.
type NamespaceView struct {
	Name   string
	Agents []Agent
}

// Topology is the answer to "what can this namespace see".
type Topology struct {
	Caller     string
	Namespaces []NamespaceView
}

// Manager builds topology views. Thresholds feed health derivation;
// Rules is the relay's access rule surface.
type Manager struct {
	Registry   *registry.Registry
	Rules      module.AccessManager
	Thresholds registry.Thresholds
}

// GetTopology lists the namespaces caller is allowed to see along with
// their agents. AdminCaller sees all of them. Any other caller sees its
// own namespace plus every namespace reachable through an allow rule
// whose from side matches one of the caller's agents and whose to side
// matches an agent in the target namespace.
func (m *Manager) GetTopology(ctx context.Context, caller string) (Topology, error) {
	names, err := m.Registry.Namespaces(ctx)
	if err != nil {
		return Topology{}, err
	}
	topo := Topology{Caller: caller}
	now := time.Now().UTC()

	if caller == AdminCaller {
		for _, ns := range names {
			view, err := m.namespaceView(ctx, ns, now)
			if err != nil {
				return Topology{}, err
			}
			topo.Namespaces = append(topo.Namespaces, view)
		}
		return topo, nil
	}

	callerAgents, err := m.Registry.ListByNamespace(ctx, caller)
	if err != nil {
		return Topology{}, err
	}
	var callerSubjects []string
	for _, e := range callerAgents {
		callerSubjects = append(callerSubjects, subject.ForAgent(e.Manifest.Namespace, e.Manifest.ID))
	}
	allows := allowRules(m.Rules.AccessRules(), callerSubjects)

	for _, ns := range names {
		if ns != caller {
			visible, err := m.reachable(ctx, ns, allows)
			if err != nil {
				return Topology{}, err
			}
			if !visible {
				continue
			}
		}
		view, err := m.namespaceView(ctx, ns, now)
		if err != nil {
			return Topology{}, err
		}
		topo.Namespaces = append(topo.Namespaces, view)
	}
	return topo, nil
}

// allowRules keeps the allow rules whose from side matches at least one
// caller agent.
func allowRules(rules []module.AccessRule, callerSubjects []string) []module.AccessRule {
	var out []module.AccessRule
	for _, r := range rules {
		if r.Action != "allow" {
			continue
		}
		for _, cs := range callerSubjects {
			if subject.Match(r.From, cs) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// reachable reports whether some allow rule reaches some agent in ns.
func (m *Manager) reachable(ctx context.Context, ns string, allows []module.AccessRule) (bool, error) {
	if len(allows) == 0 {
		return false, nil
	}
	agents, err := m.Registry.ListByNamespace(ctx, ns)
	if err != nil {
		return false, err
	}
	for _, e := range agents {
		ts := subject.ForAgent(e.Manifest.Namespace, e.Manifest.ID)
		for _, r := range allows {
			if subject.Match(r.To, ts) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Manager) namespaceView(ctx context.Context, ns string, now time.Time) (NamespaceView, error) {
	entries, err := m.Registry.ListByNamespace(ctx, ns)
	if err != nil {
		return NamespaceView{}, err
	}
	view := NamespaceView{Name: ns}
	for _, e := range entries {
		view.Agents = append(view.Agents, Agent{
			Entry:   e,
			Subject: subject.ForAgent(e.Manifest.Namespace, e.Manifest.ID),
			Health:  e.Health(now, m.Thresholds),
		})
	}
	return view, nil
}

// GetAgentAccess returns the agents one agent is currently allowed to
// message, excluding itself.
func (m *Manager) GetAgentAccess(ctx context.Context, agentID string) ([]Agent, error) {
	self, err := m.Registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	from := subject.ForAgent(self.Manifest.Namespace, self.Manifest.ID)

	all, err := m.Registry.List(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []Agent
	for _, e := range all {
		if e.Manifest.ID == agentID {
			continue
		}
		to := subject.ForAgent(e.Manifest.Namespace, e.Manifest.ID)
		if !m.Rules.Allowed(from, to) {
			continue
		}
		out = append(out, Agent{Entry: e, Subject: to, Health: e.Health(now, m.Thresholds)})
	}
	return out, nil
}

// AllowCrossNamespace grants src's agents access to dst's agents. One
// direction per call; assert both separately for bidirectional flow.
// Granting an already-granted pair is a no-op.
func (m *Manager) AllowCrossNamespace(ctx context.Context, src, dst string) error {
	if err := validatePair(src, dst); err != nil {
		return err
	}
	rule := module.AccessRule{
		From:     subject.ForNamespace(src),
		To:       subject.ForNamespace(dst),
		Action:   "allow",
		Priority: crossNamespacePriority,
	}
	for _, r := range m.Rules.AccessRules() {
		if r.From == rule.From && r.To == rule.To && r.Action == rule.Action {
			return nil
		}
	}
	return m.Rules.AddAccessRule(ctx, rule)
}

// DenyCrossNamespace removes the grant AllowCrossNamespace installed,
// restoring the default cross-namespace deny. Removing a pair that was
// never granted is a no-op.
func (m *Manager) DenyCrossNamespace(ctx context.Context, src, dst string) error {
	if err := validatePair(src, dst); err != nil {
		return err
	}
	_, err := m.Rules.RemoveAccessRule(ctx, subject.ForNamespace(src), subject.ForNamespace(dst))
	return err
}

// crossNamespacePriority level keeps namespace grants above the implicit
// defaults but below hand-written per-agent rules at 20+.
const crossNamespacePriority = 10

func validatePair(src, dst string) error {
	if err := namespace.Validate(src); err != nil {
		return fmt.Errorf("topology: source: %w", err)
	}
	if err := namespace.Validate(dst); err != nil {
		return fmt.Errorf("topology: destination: %w", err)
	}
	return nil
}
