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
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dorklabs/dork/internal/mesh/discovery"
	"github.com/dorklabs/dork/internal/mesh/manifest"
	"github.com/dorklabs/dork/internal/mesh/namespace"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/relay/subject"
)

// Overrides let the operator correct what discovery inferred. Empty
// fields defer to the manifest, then the hints.
type Overrides struct {
	Name         string
	Description  string
	Namespace    string
	Runtime      string
	Capabilities []string
}

// RegisterRequest names a project directory to turn into an agent.
type RegisterRequest struct {
	// Path is the project directory. Required.
	Path string
	// Root is the scan root the namespace derives from. Empty means
	// "the configured root containing Path", falling back to two
	// levels above the project.
	Root string
	// Hints from the discovery candidate, if registration follows a
	// scan.
	Hints     discovery.Hints
	Overrides Overrides
	// Approver is recorded as registeredBy on first registration.
	Approver string
}

// Register assigns the project an identity (keeping one it already
// has), writes the manifest, upserts the registry row and binds the
// relay endpoint. Field precedence is overrides, then the existing
// manifest, then discovery hints.
func (c *Core) Register(ctx context.Context, req RegisterRequest) (registry.Entry, error) {
	if req.Path == "" {
		return registry.Entry{}, errors.New("mesh: register: empty path")
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("mesh: register %s: %w", req.Path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("mesh: register %s: %w", path, err)
	}
	if !fi.IsDir() {
		return registry.Entry{}, fmt.Errorf("mesh: register %s: not a directory", path)
	}

	var m manifest.Manifest
	read, err := manifest.Read(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Fresh project, everything comes from overrides and hints.
	case err != nil:
		// Explicit registration of a broken manifest fails loudly;
		// only the scanner skips silently.
		return registry.Entry{}, fmt.Errorf("mesh: register %s: %w", path, err)
	default:
		m = *read
	}

	m.Name = firstNonEmpty(req.Overrides.Name, m.Name, req.Hints.SuggestedName, filepath.Base(path))
	m.Description = firstNonEmpty(req.Overrides.Description, m.Description, req.Hints.Description)
	m.Runtime = firstNonEmpty(req.Overrides.Runtime, m.Runtime, req.Hints.DetectedRuntime)
	switch {
	case len(req.Overrides.Capabilities) > 0:
		m.Capabilities = req.Overrides.Capabilities
	case len(m.Capabilities) == 0:
		m.Capabilities = req.Hints.InferredCapabilities
	}

	root := c.rootFor(path, req.Root)
	ns, err := namespace.Resolve(path, root, firstNonEmpty(req.Overrides.Namespace, m.Namespace))
	if err != nil {
		return registry.Entry{}, fmt.Errorf("mesh: register %s: %w", path, err)
	}
	m.Namespace = ns

	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = time.Now().UTC()
	}
	if m.RegisteredBy == "" {
		m.RegisteredBy = req.Approver
	}

	if err := manifest.Write(path, &m); err != nil {
		return registry.Entry{}, fmt.Errorf("mesh: register %s: %w", path, err)
	}
	entry := registry.Entry{Manifest: m, ProjectPath: path, ScanRoot: root}
	if err := c.reg.Upsert(ctx, entry); err != nil {
		return registry.Entry{}, err
	}
	if err := c.bridge.RegisterAgent(ctx, ns, m.ID); err != nil {
		// Unwind the row; the manifest stays on disk so a retry keeps
		// the same identity.
		if derr := c.reg.Delete(ctx, m.ID); derr != nil && !errors.Is(derr, registry.ErrNotFound) {
			c.Log.Error("registry unwind failed", derr, "agent", m.ID)
		}
		return registry.Entry{}, err
	}

	c.Log.Msg("agent registered",
		"agent", m.ID, "name", m.Name, "namespace", ns, "runtime", m.Runtime, "path", path)
	registrationsTotal.Inc()
	return entry, nil
}

// Import registers an auto-import finding: a project whose manifest
// already exists on disk.
func (c *Core) Import(ctx context.Context, ev discovery.Event) (registry.Entry, error) {
	if ev.Kind != discovery.EventAutoImport {
		return registry.Entry{}, fmt.Errorf("mesh: import: not an auto-import event: %s", ev.Kind)
	}
	return c.Register(ctx, RegisterRequest{Path: ev.Path, Root: ev.Root, Approver: "auto-import"})
}

// Unregister removes the agent from the registry, unbinds its endpoint
// and drops namespace-level grants once the namespace is empty.
func (c *Core) Unregister(ctx context.Context, id string) error {
	e, err := c.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	ns := e.Manifest.Namespace

	if err := c.reg.Delete(ctx, id); err != nil {
		return err
	}
	c.healthMu.Lock()
	delete(c.lastKnown, id)
	c.healthMu.Unlock()

	if err := c.bridge.UnregisterAgent(ctx, ns, id); err != nil {
		return err
	}

	left, err := c.reg.CountByNamespace(ctx, ns)
	if err != nil {
		return err
	}
	if left == 0 {
		c.gcNamespaceRules(ctx, ns)
	}

	c.Log.Msg("agent unregistered", "agent", id, "namespace", ns)
	unregistrationsTotal.Inc()
	return nil
}

// gcNamespaceRules removes every rule pair that names the namespace
// pattern on either side. Per-agent rules are left alone; they stop
// matching anything once the agents are gone.
func (c *Core) gcNamespaceRules(ctx context.Context, ns string) {
	pattern := subject.ForNamespace(ns)
	type pair struct{ from, to string }
	dropped := map[pair]bool{}
	for _, r := range c.rules.AccessRules() {
		if r.From != pattern && r.To != pattern {
			continue
		}
		p := pair{r.From, r.To}
		if dropped[p] {
			continue
		}
		dropped[p] = true
		if _, err := c.rules.RemoveAccessRule(ctx, r.From, r.To); err != nil {
			c.Log.Error("namespace rule cleanup failed", err, "namespace", ns, "from", r.From, "to", r.To)
			continue
		}
		c.Log.Msg("namespace rule dropped", "namespace", ns, "from", r.From, "to", r.To)
	}
}

// rootFor picks the scan root a project belongs to: the explicit one,
// else the first configured root containing the path, else two levels
// up (<root>/<namespace>/<project>).
func (c *Core) rootFor(path, explicit string) string {
	if explicit != "" {
		if abs, err := filepath.Abs(explicit); err == nil {
			return abs
		}
		return filepath.Clean(explicit)
	}
	for _, r := range c.scan.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if strings.HasPrefix(path, abs+string(filepath.Separator)) {
			return abs
		}
	}
	return filepath.Dir(filepath.Dir(path))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
