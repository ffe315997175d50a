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

package mesh_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/mesh"
	"github.com/dorklabs/dork/internal/mesh/discovery"
	"github.com/dorklabs/dork/internal/mesh/manifest"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/relay/access"
	"github.com/dorklabs/dork/internal/relay/subject"
	"github.com/dorklabs/dork/internal/testutils"
)

// --- fakes ---

type fakeRegistrar struct {
	mu       sync.Mutex
	bound    []string
	unbound  []string
	failBind error
}

func (f *fakeRegistrar) RegisterEndpoint(_ context.Context, subj string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBind != nil {
		return f.failBind
	}
	f.bound = append(f.bound, subj)
	return nil
}

func (f *fakeRegistrar) UnregisterEndpoint(_ context.Context, subj string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound = append(f.unbound, subj)
	return nil
}

func (f *fakeRegistrar) failNextBind(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBind = err
}

func (f *fakeRegistrar) boundSubjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bound...)
}

func (f *fakeRegistrar) unboundSubjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unbound...)
}

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

type recordSink struct {
	mu   sync.Mutex
	sigs []module.Signal
}

func (s *recordSink) Emit(sig module.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sig)
}

func (s *recordSink) all() []module.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]module.Signal(nil), s.sigs...)
}

// --- harness ---

type testMesh struct {
	core      *mesh.Core
	registrar *fakeRegistrar
	rules     *memRules
	sink      *recordSink
	work      string
}

func newTestMesh(t *testing.T, tweak ...func(*mesh.Options)) *testMesh {
	t.Helper()
	tmp := t.TempDir()
	work := filepath.Join(tmp, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatalf("mkdir work: %v", err)
	}

	registrar := &fakeRegistrar{}
	rules := newMemRules()
	sink := &recordSink{}
	opts := mesh.Options{
		RegistryPath: filepath.Join(tmp, "agents.db"),
		Registrar:    registrar,
		Rules:        rules,
		Signals:      sink,
		Scan:         config.ScanConfig{Roots: []string{work}, MaxDepth: 5},
		Health: config.HealthConfig{
			ActiveWithin:   config.Duration(5 * time.Minute),
			InactiveWithin: config.Duration(30 * time.Minute),
			// Manual sweeps only; the background loop stays quiet.
			SweepInterval: config.Duration(time.Hour),
		},
	}
	for _, tw := range tweak {
		tw(&opts)
	}

	core, err := mesh.New(context.Background(), opts)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	core.Log = testutils.Logger(t, "mesh")
	t.Cleanup(func() { core.Close() })
	return &testMesh{core: core, registrar: registrar, rules: rules, sink: sink, work: work}
}

// project creates work/<ns>/<name> with the given marker entries. A
// trailing slash makes the marker a directory.
func (tm *testMesh) project(t *testing.T, ns, name string, markers ...string) string {
	t.Helper()
	dir := filepath.Join(tm.work, ns, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for _, m := range markers {
		if strings.HasSuffix(m, "/") {
			if err := os.MkdirAll(filepath.Join(dir, strings.TrimSuffix(m, "/")), 0o755); err != nil {
				t.Fatalf("mkdir marker: %v", err)
			}
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, m), []byte("marker\n"), 0o644); err != nil {
			t.Fatalf("write marker: %v", err)
		}
	}
	return dir
}

// --- registration ---

func TestRegisterFreshProject(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder", "CLAUDE.md")

	e, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path: dir,
		Hints: discovery.Hints{
			SuggestedName:        "coder",
			DetectedRuntime:      "claude-code",
			InferredCapabilities: []string{"code"},
		},
		Approver: "ops",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(e.Manifest.ID) != 26 {
		t.Errorf("minted id = %q, want 26-char ulid", e.Manifest.ID)
	}
	if e.Manifest.Namespace != "core" {
		t.Errorf("namespace = %q, want core", e.Manifest.Namespace)
	}
	if e.Manifest.Name != "coder" || e.Manifest.Runtime != "claude-code" {
		t.Errorf("name/runtime = %q/%q", e.Manifest.Name, e.Manifest.Runtime)
	}
	if e.Manifest.RegisteredBy != "ops" {
		t.Errorf("registeredBy = %q, want ops", e.Manifest.RegisteredBy)
	}
	if e.Manifest.RegisteredAt.IsZero() {
		t.Error("registeredAt not stamped")
	}
	if e.ProjectPath != dir || e.ScanRoot != tm.work {
		t.Errorf("paths = %q / %q, want %q / %q", e.ProjectPath, e.ScanRoot, dir, tm.work)
	}

	// The identity must be durable on disk.
	m, err := manifest.Read(dir)
	if err != nil {
		t.Fatalf("read manifest back: %v", err)
	}
	if m.ID != e.Manifest.ID {
		t.Errorf("manifest id = %q, want %q", m.ID, e.Manifest.ID)
	}

	wantSubj := subject.ForAgent("core", e.Manifest.ID)
	if got := tm.registrar.boundSubjects(); len(got) != 1 || got[0] != wantSubj {
		t.Errorf("bound subjects = %v, want [%s]", got, wantSubj)
	}
	if _, err := tm.core.Registry().Get(ctx, e.Manifest.ID); err != nil {
		t.Errorf("registry row missing: %v", err)
	}
}

func TestRegisterPrecedence(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "planner")

	if err := manifest.Write(dir, &manifest.Manifest{
		Name:         "from-manifest",
		Runtime:      "codex",
		Capabilities: []string{"plan"},
	}); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	e, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path: dir,
		Hints: discovery.Hints{
			SuggestedName:        "from-hints",
			Description:          "found by scan",
			DetectedRuntime:      "claude-code",
			InferredCapabilities: []string{"guess"},
		},
		Overrides: mesh.Overrides{Name: "from-override"},
		Approver:  "ops",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if e.Manifest.Name != "from-override" {
		t.Errorf("name = %q, override must win", e.Manifest.Name)
	}
	if e.Manifest.Runtime != "codex" {
		t.Errorf("runtime = %q, manifest must beat hints", e.Manifest.Runtime)
	}
	if e.Manifest.Description != "found by scan" {
		t.Errorf("description = %q, hints must fill gaps", e.Manifest.Description)
	}
	if len(e.Manifest.Capabilities) != 1 || e.Manifest.Capabilities[0] != "plan" {
		t.Errorf("capabilities = %v, manifest must beat hints", e.Manifest.Capabilities)
	}
}

func TestRegisterKeepsIdentity(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder", "CLAUDE.md")

	first, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: dir, Approver: "ops"})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path:      dir,
		Overrides: mesh.Overrides{Name: "renamed"},
		Approver:  "someone-else",
	})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}

	if second.Manifest.ID != first.Manifest.ID {
		t.Errorf("id changed across re-registration: %q vs %q", second.Manifest.ID, first.Manifest.ID)
	}
	if !second.Manifest.RegisteredAt.Equal(first.Manifest.RegisteredAt) {
		t.Errorf("registeredAt changed: %v vs %v", second.Manifest.RegisteredAt, first.Manifest.RegisteredAt)
	}
	if second.Manifest.RegisteredBy != "ops" {
		t.Errorf("registeredBy = %q, first approver must stick", second.Manifest.RegisteredBy)
	}
	if second.Manifest.Name != "renamed" {
		t.Errorf("name = %q, want renamed", second.Manifest.Name)
	}
}

func TestRegisterRollsBackOnBindFailure(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder", "CLAUDE.md")

	tm.registrar.failNextBind(errors.New("relay unavailable"))
	if _, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: dir, Approver: "ops"}); err == nil {
		t.Fatal("register succeeded despite bind failure")
	}

	// No half-registered agent in the registry.
	if entries, err := tm.core.Registry().List(ctx, registry.Filter{}); err != nil || len(entries) != 0 {
		t.Errorf("registry after rollback: %d entries, err %v", len(entries), err)
	}

	// The manifest stays so a retry keeps the same identity.
	m, err := manifest.Read(dir)
	if err != nil {
		t.Fatalf("manifest gone after rollback: %v", err)
	}

	tm.registrar.failNextBind(nil)
	e, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: dir, Approver: "ops"})
	if err != nil {
		t.Fatalf("retry register: %v", err)
	}
	if e.Manifest.ID != m.ID {
		t.Errorf("retry minted a new id: %q vs %q", e.Manifest.ID, m.ID)
	}
}

func TestRegisterRejectsBadPaths(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()

	if _, err := tm.core.Register(ctx, mesh.RegisterRequest{}); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: filepath.Join(tm.work, "nope")}); err == nil {
		t.Error("missing directory accepted")
	}

	file := filepath.Join(tm.work, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: file}); err == nil {
		t.Error("regular file accepted")
	}
}

func TestRegisterBrokenManifestFails(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder")

	mpath := manifest.PathFor(dir)
	if err := os.MkdirAll(filepath.Dir(mpath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mpath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: dir, Approver: "ops"}); err == nil {
		t.Error("broken manifest registered silently")
	}
}

func TestImport(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder")

	seeded := &manifest.Manifest{ID: "01HZXW8Q2RT5A8B0C1D2E3F4G5", Name: "coder"}
	if err := manifest.Write(dir, seeded); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	e, err := tm.core.Import(ctx, discovery.Event{
		Kind: discovery.EventAutoImport,
		Root: tm.work,
		Path: dir,
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if e.Manifest.ID != seeded.ID {
		t.Errorf("import changed id: %q", e.Manifest.ID)
	}
	if e.Manifest.RegisteredBy != "auto-import" {
		t.Errorf("registeredBy = %q, want auto-import", e.Manifest.RegisteredBy)
	}

	if _, err := tm.core.Import(ctx, discovery.Event{Kind: discovery.EventCandidate, Path: dir}); err == nil {
		t.Error("candidate event imported; only auto-imports may skip approval")
	}
}

// --- unregistration ---

func TestUnregister(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()

	coder, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path: tm.project(t, "core", "coder", "CLAUDE.md"), Approver: "ops",
	})
	if err != nil {
		t.Fatal(err)
	}
	planner, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path: tm.project(t, "core", "planner", "CLAUDE.md"), Approver: "ops",
	})
	if err != nil {
		t.Fatal(err)
	}

	corePat := subject.ForNamespace("core")
	infraPat := subject.ForNamespace("infra")
	opsPat := subject.ForNamespace("ops")
	seed := []module.AccessRule{
		{From: corePat, To: infraPat, Action: "allow", Priority: 10},
		{From: infraPat, To: corePat, Action: "allow", Priority: 10},
		{From: infraPat, To: opsPat, Action: "allow", Priority: 10},
	}
	for _, r := range seed {
		if err := tm.rules.AddAccessRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	if err := tm.core.Unregister(ctx, coder.Manifest.ID); err != nil {
		t.Fatalf("unregister coder: %v", err)
	}
	if _, err := tm.core.Registry().Get(ctx, coder.Manifest.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("coder still in registry: %v", err)
	}
	wantUnbound := subject.ForAgent("core", coder.Manifest.ID)
	if got := tm.registrar.unboundSubjects(); len(got) != 1 || got[0] != wantUnbound {
		t.Errorf("unbound = %v, want [%s]", got, wantUnbound)
	}
	// planner keeps the namespace alive, so its grants survive.
	if got := len(tm.rules.AccessRules()); got != 3 {
		t.Errorf("rules after first unregister = %d, want 3", got)
	}

	if err := tm.core.Unregister(ctx, planner.Manifest.ID); err != nil {
		t.Fatalf("unregister planner: %v", err)
	}
	for _, r := range tm.rules.AccessRules() {
		if r.From == corePat || r.To == corePat {
			t.Errorf("stale namespace rule survived: %+v", r)
		}
	}
	if got := len(tm.rules.AccessRules()); got != 1 {
		t.Errorf("rules after namespace emptied = %d, want 1", got)
	}

	if err := tm.core.Unregister(ctx, coder.Manifest.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unregister unknown = %v, want ErrNotFound", err)
	}
}

// --- health ---

func TestUpdateLastSeenSignalsActivation(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	e, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path: tm.project(t, "core", "coder", "CLAUDE.md"), Approver: "ops",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tm.core.UpdateLastSeen(ctx, e.Manifest.ID, "message_received"); err != nil {
		t.Fatalf("update last seen: %v", err)
	}
	sigs := tm.sink.all()
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Type != mesh.SignalHealthChanged || sig.State != string(registry.HealthActive) {
		t.Errorf("signal = %q state %q", sig.Type, sig.State)
	}
	if want := subject.ForAgent("core", e.Manifest.ID); sig.EndpointSubject != want {
		t.Errorf("signal subject = %q, want %q", sig.EndpointSubject, want)
	}
	if sig.Data["from"] != string(registry.HealthStale) || sig.Data["to"] != string(registry.HealthActive) {
		t.Errorf("signal data = %v", sig.Data)
	}

	// Already active, nothing new to announce.
	if err := tm.core.UpdateLastSeen(ctx, e.Manifest.ID, "message_received"); err != nil {
		t.Fatal(err)
	}
	if got := len(tm.sink.all()); got != 1 {
		t.Errorf("signals after second update = %d, want 1", got)
	}

	if err := tm.core.UpdateLastSeen(ctx, "01HZ00000000000000000000X9", "x"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown agent = %v, want ErrNotFound", err)
	}
}

func TestSweepFlagsVanishedProjects(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder", "CLAUDE.md")
	e, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: dir, Approver: "ops"})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := tm.core.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err := tm.core.Registry().Get(ctx, e.Manifest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Unreachable {
		t.Error("vanished project not marked unreachable")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := tm.core.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	got, err = tm.core.Registry().Get(ctx, e.Manifest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unreachable {
		t.Error("restored project still marked unreachable")
	}

	// Sweeps prime health silently; no transitions were observed.
	if got := len(tm.sink.all()); got != 0 {
		t.Errorf("signals from sweeps = %d, want 0", got)
	}
}

func TestSweepSignalsClockDecay(t *testing.T) {
	tm := newTestMesh(t, func(o *mesh.Options) {
		o.Health.ActiveWithin = config.Duration(50 * time.Millisecond)
		o.Health.InactiveWithin = config.Duration(time.Hour)
	})
	ctx := context.Background()
	e, err := tm.core.Register(ctx, mesh.RegisterRequest{
		Path: tm.project(t, "core", "coder", "CLAUDE.md"), Approver: "ops",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tm.core.UpdateLastSeen(ctx, e.Manifest.ID, "message_received"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)

	if err := tm.core.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	sigs := tm.sink.all()
	if len(sigs) != 2 {
		t.Fatalf("signals = %d, want activation plus decay", len(sigs))
	}
	last := sigs[len(sigs)-1]
	if last.State != string(registry.HealthInactive) {
		t.Errorf("decay state = %q, want inactive", last.State)
	}
	if last.Data["from"] != string(registry.HealthActive) {
		t.Errorf("decay from = %v, want active", last.Data["from"])
	}

	// Same state again, no re-announcement.
	if err := tm.core.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(tm.sink.all()); got != 2 {
		t.Errorf("signals after repeat sweep = %d, want 2", got)
	}
}

// --- discovery wiring ---

func TestDiscoverMergesRoots(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()

	other := filepath.Join(t.TempDir(), "other")
	for _, p := range []string{
		filepath.Join(tm.work, "core", "coder"),
		filepath.Join(other, "infra", "deploy"),
	} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(p, "CLAUDE.md"), []byte("m\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ch, err := tm.core.Discover(ctx, []string{tm.work, other}, tm.core.ScanOptions())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	events, err := discovery.Drain(ctx, ch)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	roots := map[string]bool{}
	for _, ev := range events {
		if ev.Kind != discovery.EventCandidate {
			t.Errorf("event kind = %q", ev.Kind)
		}
		roots[ev.Root] = true
	}
	if len(roots) != 2 {
		t.Errorf("events came from %d roots, want 2", len(roots))
	}
}

func TestDiscoverSkipsRegisteredProjects(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	dir := tm.project(t, "core", "coder", "CLAUDE.md")
	tm.project(t, "core", "planner", "CLAUDE.md")

	if _, err := tm.core.Register(ctx, mesh.RegisterRequest{Path: dir, Approver: "ops"}); err != nil {
		t.Fatal(err)
	}

	ch, err := tm.core.Discover(ctx, nil, tm.core.ScanOptions())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	events, err := discovery.Drain(ctx, ch)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	// coder now carries a manifest, so it comes back as an auto-import
	// refresh; planner is still a bare candidate.
	var candidates, imports int
	for _, ev := range events {
		switch ev.Kind {
		case discovery.EventCandidate:
			candidates++
			if base := filepath.Base(ev.Path); base != "planner" {
				t.Errorf("candidate = %q, want planner", base)
			}
		case discovery.EventAutoImport:
			imports++
		}
	}
	if candidates != 1 || imports != 1 {
		t.Errorf("candidates/imports = %d/%d, want 1/1", candidates, imports)
	}
}

func TestDiscoverRootHandling(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()

	// One bad root is skipped as long as another works.
	ch, err := tm.core.Discover(ctx, []string{filepath.Join(tm.work, "missing"), tm.work}, tm.core.ScanOptions())
	if err != nil {
		t.Fatalf("discover with one bad root: %v", err)
	}
	if _, err := discovery.Drain(ctx, ch); err != nil {
		t.Fatal(err)
	}

	// All roots bad is an error.
	if _, err := tm.core.Discover(ctx, []string{filepath.Join(tm.work, "missing")}, tm.core.ScanOptions()); err == nil {
		t.Error("discover with no usable roots succeeded")
	}
}

// --- stats ---

func TestStats(t *testing.T) {
	tm := newTestMesh(t)
	ctx := context.Background()
	for _, p := range [][2]string{{"core", "coder"}, {"core", "planner"}, {"infra", "deploy"}} {
		if _, err := tm.core.Register(ctx, mesh.RegisterRequest{
			Path: tm.project(t, p[0], p[1], "CLAUDE.md"), Approver: "ops",
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := tm.core.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByNamespace["core"] != 2 || stats.ByNamespace["infra"] != 1 {
		t.Errorf("byNamespace = %v", stats.ByNamespace)
	}
	if stats.ByHealth[registry.HealthStale] != 3 {
		t.Errorf("byHealth = %v, fresh agents have no traffic yet", stats.ByHealth)
	}
}
