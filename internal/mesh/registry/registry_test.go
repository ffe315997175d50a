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

package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dorklabs/dork/internal/mesh/manifest"
	"github.com/dorklabs/dork/internal/mesh/registry"
)

var thresholds = registry.Thresholds{
	ActiveWithin:   5 * time.Minute,
	InactiveWithin: 30 * time.Minute,
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(context.Background(), filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func testEntry(id, name, ns, path string) registry.Entry {
	return registry.Entry{
		Manifest: manifest.Manifest{
			ID:           id,
			Name:         name,
			Runtime:      "claude-code",
			Namespace:    ns,
			RegisteredAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			RegisteredBy: "scan",
		},
		ProjectPath: path,
		ScanRoot:    "/work",
	}
}

func TestUpsertAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := testEntry("01HZ00000000000000000000A1", "planner", "core", "/work/core/planner")
	e.Manifest.Description = "plans things"
	e.Manifest.Capabilities = []string{"plan", "review"}
	e.Manifest.Behavior.ResponseMode = "async"
	e.Manifest.Budget.MaxHopsPerMessage = 4
	e.Manifest.Budget.MaxCallsPerHour = 100
	if err := r.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := r.Get(ctx, e.Manifest.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got.Manifest, e.Manifest) {
		t.Errorf("manifest round trip:\n got %+v\nwant %+v", got.Manifest, e.Manifest)
	}
	if got.ProjectPath != e.ProjectPath || got.ScanRoot != e.ScanRoot {
		t.Errorf("paths: got (%q, %q), want (%q, %q)",
			got.ProjectPath, got.ScanRoot, e.ProjectPath, e.ScanRoot)
	}
	if got.Unreachable {
		t.Error("fresh row should not be unreachable")
	}
	if !got.LastSeenAt.IsZero() {
		t.Errorf("LastSeenAt: got %v, want zero", got.LastSeenAt)
	}
}

func TestUpsertValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for name, e := range map[string]registry.Entry{
		"empty id":        testEntry("", "x", "core", "/work/core/x"),
		"empty namespace": testEntry("01HZ00000000000000000000A2", "x", "", "/work/core/x"),
		"empty path":      testEntry("01HZ00000000000000000000A2", "x", "core", ""),
	} {
		if err := r.Upsert(ctx, e); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestUpsertSameIDRefreshes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := testEntry("01HZ00000000000000000000B1", "coder", "core", "/work/core/coder")
	if err := r.Upsert(ctx, e); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := r.MarkUnreachable(ctx, e.Manifest.ID); err != nil {
		t.Fatalf("MarkUnreachable: %v", err)
	}

	e2 := e
	e2.Manifest.Name = "coder-v2"
	e2.Manifest.Capabilities = []string{"code"}
	e2.Manifest.RegisteredAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e2.Manifest.RegisteredBy = "manual"
	if err := r.Upsert(ctx, e2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := r.Get(ctx, e.Manifest.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Manifest.Name != "coder-v2" {
		t.Errorf("Name: got %q, want %q", got.Manifest.Name, "coder-v2")
	}
	if len(got.Manifest.Capabilities) != 1 || got.Manifest.Capabilities[0] != "code" {
		t.Errorf("Capabilities: got %v, want [code]", got.Manifest.Capabilities)
	}
	// First registration wins for provenance fields.
	if !got.Manifest.RegisteredAt.Equal(e.Manifest.RegisteredAt) {
		t.Errorf("RegisteredAt: got %v, want %v", got.Manifest.RegisteredAt, e.Manifest.RegisteredAt)
	}
	if got.Manifest.RegisteredBy != "scan" {
		t.Errorf("RegisteredBy: got %q, want %q", got.Manifest.RegisteredBy, "scan")
	}
	if got.Unreachable {
		t.Error("re-registering should clear the unreachable flag")
	}
}

func TestUpsertPathConflictReplacesOldAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	const path = "/work/core/reused"

	old := testEntry("01HZ00000000000000000000C1", "old", "core", path)
	if err := r.Upsert(ctx, old); err != nil {
		t.Fatalf("upsert old: %v", err)
	}
	fresh := testEntry("01HZ00000000000000000000C2", "fresh", "core", path)
	if err := r.Upsert(ctx, fresh); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}

	if _, err := r.Get(ctx, old.Manifest.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("old agent should be gone, got %v", err)
	}
	got, err := r.GetByPath(ctx, path)
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if got.Manifest.ID != fresh.Manifest.ID {
		t.Errorf("path owner: got %q, want %q", got.Manifest.ID, fresh.Manifest.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Get(context.Background(), "01HZ00000000000000000000D1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetByPath(context.Background(), "/nowhere"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("GetByPath: expected ErrNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	planner := testEntry("01HZ00000000000000000000E1", "planner", "core", "/work/core/planner")
	planner.Manifest.Capabilities = []string{"plan"}
	coder := testEntry("01HZ00000000000000000000E2", "coder", "core", "/work/core/coder")
	coder.Manifest.Runtime = "cursor"
	coder.Manifest.Capabilities = []string{"code", "plan"}
	deploy := testEntry("01HZ00000000000000000000E3", "deploy", "infra", "/work/infra/deploy")
	for _, e := range []registry.Entry{planner, coder, deploy} {
		if err := r.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%s): %v", e.Manifest.Name, err)
		}
	}

	all, err := r.List(ctx, registry.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List: got %d entries, want 3", len(all))
	}
	// Namespace first, then name.
	if all[0].Manifest.Name != "coder" || all[2].Manifest.Name != "deploy" {
		t.Errorf("order: got [%s %s %s]", all[0].Manifest.Name, all[1].Manifest.Name, all[2].Manifest.Name)
	}

	core, err := r.List(ctx, registry.Filter{Namespace: "core"})
	if err != nil {
		t.Fatalf("List(core): %v", err)
	}
	if len(core) != 2 {
		t.Errorf("namespace filter: got %d, want 2", len(core))
	}

	cursor, err := r.List(ctx, registry.Filter{Runtime: "cursor"})
	if err != nil {
		t.Fatalf("List(cursor): %v", err)
	}
	if len(cursor) != 1 || cursor[0].Manifest.Name != "coder" {
		t.Errorf("runtime filter: got %v", cursor)
	}

	plan, err := r.List(ctx, registry.Filter{Capability: "plan"})
	if err != nil {
		t.Fatalf("List(plan): %v", err)
	}
	if len(plan) != 2 {
		t.Errorf("capability filter: got %d, want 2", len(plan))
	}

	byNS, err := r.ListByNamespace(ctx, "infra")
	if err != nil {
		t.Fatalf("ListByNamespace: %v", err)
	}
	if len(byNS) != 1 || byNS[0].Manifest.Name != "deploy" {
		t.Errorf("ListByNamespace: got %v", byNS)
	}
}

func TestNamespacesAndCounts(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i, e := range []registry.Entry{
		testEntry("01HZ00000000000000000000F1", "a", "core", "/work/core/a"),
		testEntry("01HZ00000000000000000000F2", "b", "core", "/work/core/b"),
		testEntry("01HZ00000000000000000000F3", "c", "infra", "/work/infra/c"),
	} {
		if err := r.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%d): %v", i, err)
		}
	}

	ns, err := r.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	want := []string{"core", "infra"}
	if !reflect.DeepEqual(ns, want) {
		t.Errorf("Namespaces: got %v, want %v", ns, want)
	}

	n, err := r.CountByNamespace(ctx, "core")
	if err != nil {
		t.Fatalf("CountByNamespace: %v", err)
	}
	if n != 2 {
		t.Errorf("CountByNamespace(core): got %d, want 2", n)
	}
	n, err = r.CountByNamespace(ctx, "empty")
	if err != nil {
		t.Fatalf("CountByNamespace(empty): %v", err)
	}
	if n != 0 {
		t.Errorf("CountByNamespace(empty): got %d, want 0", n)
	}
}

func TestHealthDerivation(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name     string
		lastSeen time.Time
		want     registry.Health
	}{
		{"never seen", time.Time{}, registry.HealthStale},
		{"just now", now, registry.HealthActive},
		{"within active window", now.Add(-4 * time.Minute), registry.HealthActive},
		{"at active boundary", now.Add(-5 * time.Minute), registry.HealthActive},
		{"within inactive window", now.Add(-10 * time.Minute), registry.HealthInactive},
		{"at inactive boundary", now.Add(-30 * time.Minute), registry.HealthInactive},
		{"beyond inactive window", now.Add(-time.Hour), registry.HealthStale},
	} {
		e := registry.Entry{LastSeenAt: tc.lastSeen}
		if got := e.Health(now, thresholds); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestUpdateHealth(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := testEntry("01HZ00000000000000000000G1", "worker", "core", "/work/core/worker")
	if err := r.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	seen := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := r.UpdateHealth(ctx, e.Manifest.ID, seen, "message_sent"); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}

	got, health, err := r.GetWithHealth(ctx, e.Manifest.ID, seen.Add(time.Minute), thresholds)
	if err != nil {
		t.Fatalf("GetWithHealth: %v", err)
	}
	if !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt: got %v, want %v", got.LastSeenAt, seen)
	}
	if got.LastSeenEvent != "message_sent" {
		t.Errorf("LastSeenEvent: got %q, want %q", got.LastSeenEvent, "message_sent")
	}
	if health != registry.HealthActive {
		t.Errorf("health: got %q, want %q", health, registry.HealthActive)
	}

	if err := r.UpdateHealth(ctx, "01HZ00000000000000000000G9", seen, "x"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("UpdateHealth(unknown): expected ErrNotFound, got %v", err)
	}
}

func TestUnreachableLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	neverSeen := testEntry("01HZ00000000000000000000H1", "gone", "core", "/work/core/gone")
	seenLong := testEntry("01HZ00000000000000000000H2", "idle", "core", "/work/core/idle")
	seenLong.LastSeenAt = cutoff.Add(-time.Hour)
	seenFresh := testEntry("01HZ00000000000000000000H3", "busy", "core", "/work/core/busy")
	seenFresh.LastSeenAt = cutoff.Add(time.Hour)
	for _, e := range []registry.Entry{neverSeen, seenLong, seenFresh} {
		if err := r.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%s): %v", e.Manifest.Name, err)
		}
		if err := r.MarkUnreachable(ctx, e.Manifest.ID); err != nil {
			t.Fatalf("MarkUnreachable(%s): %v", e.Manifest.Name, err)
		}
	}

	stale, err := r.ListUnreachableBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListUnreachableBefore: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("unreachable before cutoff: got %d, want 2", len(stale))
	}
	for _, e := range stale {
		if e.Manifest.Name == "busy" {
			t.Error("recently seen agent listed as purge candidate")
		}
		if !e.Unreachable {
			t.Errorf("%s: Unreachable flag not set on listed entry", e.Manifest.Name)
		}
	}

	if err := r.MarkReachable(ctx, neverSeen.Manifest.ID); err != nil {
		t.Fatalf("MarkReachable: %v", err)
	}
	stale, err = r.ListUnreachableBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListUnreachableBefore(after clear): %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("after MarkReachable: got %d candidates, want 1", len(stale))
	}

	if err := r.MarkUnreachable(ctx, "01HZ00000000000000000000H9"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("MarkUnreachable(unknown): expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	e := testEntry("01HZ00000000000000000000M1", "victim", "core", "/work/core/victim")
	if err := r.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.Delete(ctx, e.Manifest.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete(ctx, e.Manifest.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestAggregateStats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	active := testEntry("01HZ00000000000000000000J1", "a", "core", "/work/core/a")
	active.LastSeenAt = now.Add(-time.Minute)
	idle := testEntry("01HZ00000000000000000000J2", "b", "core", "/work/core/b")
	idle.LastSeenAt = now.Add(-10 * time.Minute)
	idle.Manifest.Runtime = "cursor"
	never := testEntry("01HZ00000000000000000000J3", "c", "infra", "/work/infra/c")
	for _, e := range []registry.Entry{active, idle, never} {
		if err := r.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%s): %v", e.Manifest.Name, err)
		}
	}
	if err := r.MarkUnreachable(ctx, never.Manifest.ID); err != nil {
		t.Fatalf("MarkUnreachable: %v", err)
	}

	stats, err := r.AggregateStats(ctx, now, thresholds)
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total: got %d, want 3", stats.Total)
	}
	if stats.ByNamespace["core"] != 2 || stats.ByNamespace["infra"] != 1 {
		t.Errorf("ByNamespace: got %v", stats.ByNamespace)
	}
	if stats.ByRuntime["claude-code"] != 2 || stats.ByRuntime["cursor"] != 1 {
		t.Errorf("ByRuntime: got %v", stats.ByRuntime)
	}
	if stats.ByHealth[registry.HealthActive] != 1 ||
		stats.ByHealth[registry.HealthInactive] != 1 ||
		stats.ByHealth[registry.HealthStale] != 1 {
		t.Errorf("ByHealth: got %v", stats.ByHealth)
	}
	if stats.Unreachable != 1 {
		t.Errorf("Unreachable: got %d, want 1", stats.Unreachable)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.db")
	ctx := context.Background()

	r1, err := registry.Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := r1.Upsert(ctx, testEntry("01HZ00000000000000000000K1", "survivor", "core", "/work/core/s")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	r1.Close()

	r2, err := registry.Open(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer r2.Close()

	got, err := r2.Get(ctx, "01HZ00000000000000000000K1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Manifest.Name != "survivor" {
		t.Errorf("Name: got %q, want %q", got.Manifest.Name, "survivor")
	}
}
