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

// Package ctl implements the management subcommands of the dork
// executable.
//
// The commands open the state directory directly, the same way the
// daemon does, so they work whether or not a daemon is running. The
// SQLite busy timeout covers concurrent access; endpoint and rule
// edits land in the same databases the daemon reads on startup.
package ctl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/dorklabs/dork"
	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/mesh"
	"github.com/dorklabs/dork/internal/relay/access"
	"github.com/dorklabs/dork/internal/relay/dlq"
	"github.com/dorklabs/dork/internal/relay/index"
	"github.com/dorklabs/dork/internal/relay/maildir"
	"github.com/dorklabs/dork/internal/relay/subject"
)

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfgPath := ctx.String("config")
	if cfgPath == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}
	cfg, err := config.Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Same fallback the daemon uses: no file means platform
		// defaults, so management commands work out of the box.
		def := config.Default()
		cfg = &def
	case err != nil:
		return nil, cli.Exit(fmt.Sprintf("Error: failed to load config: %v", err), 2)
	}
	if err := dork.InitDirs(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// relayState bundles the relay's on-disk surfaces for offline use.
type relayState struct {
	cfg   *config.Config
	ix    *index.Index
	store *maildir.Store
	queue *dlq.Queue
}

func openRelayState(ctx *cli.Context) (*relayState, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	ix, err := index.Open(ctx.Context, cfg.RelayIndexPath())
	if err != nil {
		return nil, err
	}
	store := maildir.New(cfg.MailboxRootDir())
	return &relayState{
		cfg:   cfg,
		ix:    ix,
		store: store,
		queue: dlq.New(store, ix),
	}, nil
}

func (st *relayState) Close() error {
	return st.ix.Close()
}

// endpointHash turns an --endpoint argument into a mailbox hash. A
// value containing a dot is treated as a subject; anything else is
// matched against the registered hashes first so bare hashes from
// 'endpoints list' can be pasted back in.
func (st *relayState) endpointHash(ctx context.Context, arg string) (string, error) {
	if arg == "" {
		return "", nil
	}
	if strings.Contains(arg, ".") {
		return subject.Hash(arg), nil
	}
	eps, err := st.ix.ListEndpoints(ctx)
	if err != nil {
		return "", err
	}
	for _, ep := range eps {
		if ep.Hash == arg {
			return arg, nil
		}
	}
	return subject.Hash(arg), nil
}

// meshState is a mesh core wired against the same databases the daemon
// uses. Endpoint binds go straight into the relay index, so agents
// registered offline are served on the next daemon start.
type meshState struct {
	relay *relayState
	core  *mesh.Core
	rules *offlineRules
}

func openMeshState(ctx *cli.Context) (*meshState, error) {
	st, err := openRelayState(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := newOfflineRules(ctx.Context, st.ix)
	if err != nil {
		st.Close()
		return nil, err
	}
	core, err := mesh.New(ctx.Context, mesh.Options{
		RegistryPath: st.cfg.AgentRegistryPath(),
		Registrar:    &offlineRegistrar{ix: st.ix, store: st.store},
		Rules:        rules,
		Scan:         st.cfg.Mesh.Scan,
		Health:       st.cfg.Mesh.Health,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &meshState{relay: st, core: core, rules: rules}, nil
}

func (st *meshState) Close() error {
	err := st.core.Close()
	if cerr := st.relay.Close(); err == nil {
		err = cerr
	}
	return err
}

// offlineRegistrar edits the relay's endpoint table the way the daemon
// would, minus the live dispatchers.
type offlineRegistrar struct {
	ix    *index.Index
	store *maildir.Store
}

func (r *offlineRegistrar) RegisterEndpoint(ctx context.Context, subj string) error {
	if err := subject.Validate(subj); err != nil {
		return fmt.Errorf("ctl: endpoint subject: %w", err)
	}
	hash := subject.Hash(subj)
	if err := r.store.Ensure(hash); err != nil {
		return err
	}
	if err := r.ix.UpsertEndpoint(ctx, subj, hash); err != nil {
		r.store.Remove(hash)
		return err
	}
	return nil
}

func (r *offlineRegistrar) UnregisterEndpoint(ctx context.Context, subj string) error {
	hash := subject.Hash(subj)
	if err := r.ix.DeleteEndpoint(ctx, hash); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return module.ErrUnknownEndpoint
		}
		return err
	}
	return r.store.Remove(hash)
}

// offlineRules is the relay's persisted rule set with write-through
// edits, evaluated in-process.
type offlineRules struct {
	ix *index.Index
	ev *access.Evaluator
}

func newOfflineRules(ctx context.Context, ix *index.Index) (*offlineRules, error) {
	persisted, err := ix.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]access.Rule, 0, len(persisted))
	for _, r := range persisted {
		rules = append(rules, access.Rule{
			From:     r.FromPattern,
			To:       r.ToPattern,
			Action:   access.Action(r.Action),
			Priority: r.Priority,
		})
	}
	return &offlineRules{ix: ix, ev: access.NewEvaluator(rules)}, nil
}

func (o *offlineRules) AccessRules() []module.AccessRule {
	evalRules := o.ev.Rules()
	out := make([]module.AccessRule, 0, len(evalRules))
	for _, r := range evalRules {
		out = append(out, module.AccessRule{
			From:     r.From,
			To:       r.To,
			Action:   string(r.Action),
			Priority: r.Priority,
		})
	}
	return out
}

func (o *offlineRules) AddAccessRule(ctx context.Context, r module.AccessRule) error {
	_, err := o.ix.AddRule(ctx, index.Rule{
		FromPattern: r.From,
		ToPattern:   r.To,
		Action:      r.Action,
		Priority:    r.Priority,
	})
	if err != nil {
		return err
	}
	o.ev.Add(access.Rule{
		From:     r.From,
		To:       r.To,
		Action:   access.Action(r.Action),
		Priority: r.Priority,
	})
	return nil
}

func (o *offlineRules) RemoveAccessRule(ctx context.Context, from, to string) (int, error) {
	if _, err := o.ix.DeleteRulePair(ctx, from, to); err != nil {
		return 0, err
	}
	return o.ev.Remove(from, to), nil
}

func (o *offlineRules) Allowed(from, to string) bool {
	return o.ev.Allowed(from, to)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
