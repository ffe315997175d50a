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

// Package discovery walks scan roots looking for agent projects.
//
// A directory that already carries .dork/agent.json is reported as an
// auto-import; a directory recognised by a strategy is reported as a
// candidate awaiting registration. Either way the directory is treated
// as a project boundary and the walk does not descend into it, so
// nested repositories inside a project are invisible by construction.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/internal/mesh/manifest"
)

// Hints are the facts a strategy can infer about an unregistered
// project. Registration merges them below explicit overrides.
type Hints struct {
	SuggestedName        string
	Description          string
	DetectedRuntime      string
	InferredCapabilities []string
}

// Strategy recognises one kind of agent project by inspecting a
// directory's contents.
type Strategy interface {
	Name() string
	Detect(dir string) (Hints, bool)
}

// markerStrategy matches when the directory contains any of the marker
// subdirectories or files.
type markerStrategy struct {
	name       string
	markerDirs []string
	markers    []string
}

func (s markerStrategy) Name() string { return s.name }

func (s markerStrategy) Detect(dir string) (Hints, bool) {
	matched := false
	for _, m := range s.markerDirs {
		if fi, err := os.Stat(filepath.Join(dir, m)); err == nil && fi.IsDir() {
			matched = true
			break
		}
	}
	if !matched {
		for _, m := range s.markers {
			if fi, err := os.Stat(filepath.Join(dir, m)); err == nil && fi.Mode().IsRegular() {
				matched = true
				break
			}
		}
	}
	if !matched {
		return Hints{}, false
	}
	return Hints{
		SuggestedName:   filepath.Base(dir),
		DetectedRuntime: s.name,
	}, true
}

// Builtin returns the default strategy set, one per recognised
// code-assistant project layout.
func Builtin() []Strategy {
	return []Strategy{
		markerStrategy{name: "claude-code", markerDirs: []string{".claude"}, markers: []string{"CLAUDE.md"}},
		markerStrategy{name: "cursor", markerDirs: []string{".cursor"}, markers: []string{".cursorrules"}},
		markerStrategy{name: "codex", markerDirs: []string{".codex"}, markers: []string{"AGENTS.md"}},
	}
}

// EventKind discriminates scanner events.
type EventKind string

const (
	// EventAutoImport reports a directory that already carries a valid
	// manifest. It is emitted even for registered agents; the receiver
	// upserts to refresh the registry row.
	EventAutoImport EventKind = "auto_import"
	// EventCandidate reports a directory matched by a strategy that is
	// neither denied nor already registered.
	EventCandidate EventKind = "candidate"
)

// Event is one scanner finding.
type Event struct {
	Kind EventKind
	Root string // scan root the walk started from
	Path string // project directory

	Manifest manifest.Manifest // auto-import only
	Hints    Hints             // candidate only
	Strategy string            // candidate only: strategy that matched
}

// Options bound one walk.
type Options struct {
	MaxDepth       int // levels below the root to inspect; <=0 means 5
	Exclude        []string
	FollowSymlinks bool
	Deny           []string // project paths never reported or entered
}

const defaultMaxDepth = 5

// Scanner turns directories into events. The zero value scans with no
// strategies and reports auto-imports only.
type Scanner struct {
	Strategies []Strategy

	// IsRegistered suppresses candidate events for paths that already
	// have a registry row. Nil means nothing is registered.
	IsRegistered func(ctx context.Context, path string) bool

	Log log.Logger
}

// Scan walks one root and streams findings. The channel closes when
// the walk completes or ctx is cancelled; per-path errors are logged
// and skipped, they never abort the walk.
func (s *Scanner) Scan(ctx context.Context, root string, opts Options) (<-chan Event, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("discovery: scan %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("discovery: scan %s: not a directory", root)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}

	w := &walker{
		scanner: s,
		root:    root,
		opts:    opts,
		exclude: make(map[string]bool, len(opts.Exclude)),
		ch:      make(chan Event),
	}
	for _, name := range opts.Exclude {
		w.exclude[name] = true
	}
	if opts.FollowSymlinks {
		w.visited = make(map[string]bool)
	}

	go func() {
		defer close(w.ch)
		w.walk(ctx, root, 0)
	}()
	return w.ch, nil
}

type walker struct {
	scanner *Scanner
	root    string
	opts    Options
	exclude map[string]bool
	visited map[string]bool // resolved dirs, symlink mode only
	ch      chan Event
}

// walk inspects dir and descends into its children. Returns false when
// the context is done and the walk should unwind.
func (w *walker) walk(ctx context.Context, dir string, depth int) bool {
	if ctx.Err() != nil {
		return false
	}
	if w.denied(dir) {
		return true
	}
	if w.visited != nil {
		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			w.scanner.Log.Error("cannot resolve directory, skipping", err, "path", dir)
			return true
		}
		if w.visited[real] {
			return true
		}
		w.visited[real] = true
	}

	// The root itself is never a project; agents live in namespace
	// directories below it.
	if depth > 0 {
		emitted, ok := w.inspect(ctx, dir)
		if !ok {
			return false
		}
		if emitted {
			return true
		}
	}
	if depth >= w.opts.MaxDepth {
		return true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.scanner.Log.Error("cannot read directory, skipping", err, "path", dir)
		return true
	}
	for _, ent := range entries {
		name := ent.Name()
		path := filepath.Join(dir, name)
		switch {
		case ent.IsDir():
			if w.exclude[name] {
				continue
			}
		case ent.Type()&fs.ModeSymlink != 0:
			if !w.opts.FollowSymlinks || w.exclude[name] {
				continue
			}
			fi, err := os.Stat(path)
			if err != nil || !fi.IsDir() {
				continue
			}
		default:
			continue
		}
		if !w.walk(ctx, path, depth+1) {
			return false
		}
	}
	return true
}

// inspect reports whether dir is a project boundary (emitted=true stops
// the descent) and whether the walk may continue (ok=false on cancel).
func (w *walker) inspect(ctx context.Context, dir string) (emitted, ok bool) {
	if manifest.Exists(dir) {
		m, err := manifest.Read(dir)
		if err != nil {
			w.scanner.Log.Error("manifest rejected, skipping project", err, "path", dir)
			return true, true
		}
		return true, w.emit(ctx, Event{
			Kind:     EventAutoImport,
			Root:     w.root,
			Path:     dir,
			Manifest: *m,
		})
	}

	for _, strat := range w.scanner.Strategies {
		hints, matched := strat.Detect(dir)
		if !matched {
			continue
		}
		if w.scanner.IsRegistered != nil && w.scanner.IsRegistered(ctx, dir) {
			return true, true
		}
		return true, w.emit(ctx, Event{
			Kind:     EventCandidate,
			Root:     w.root,
			Path:     dir,
			Hints:    hints,
			Strategy: strat.Name(),
		})
	}
	return false, true
}

func (w *walker) emit(ctx context.Context, ev Event) bool {
	select {
	case w.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *walker) denied(path string) bool {
	for _, d := range w.opts.Deny {
		d = filepath.Clean(d)
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Drain collects every event from a scan channel into a slice, for
// callers that do not need streaming.
func Drain(ctx context.Context, ch <-chan Event) ([]Event, error) {
	var out []Event
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return out, nil
			}
			out = append(out, ev)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
