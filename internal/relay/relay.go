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

// Package relay implements the message bus core: subject-addressed publish
// with per-endpoint mailboxes, subscriptions, access control, rate limiting
// and the delivery pipeline behind them.
//
// The core owns every stateful collaborator (maildir store, SQLite index,
// breakers, limiter, signal hub) and exposes the narrow surfaces the rest of
// the daemon builds on: module.Publisher for producers and
// module.EndpointRegistrar for the mesh.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/exterrors"
	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/access"
	"github.com/dorklabs/dork/internal/relay/breaker"
	"github.com/dorklabs/dork/internal/relay/dlq"
	"github.com/dorklabs/dork/internal/relay/index"
	"github.com/dorklabs/dork/internal/relay/limiters"
	"github.com/dorklabs/dork/internal/relay/maildir"
	"github.com/dorklabs/dork/internal/relay/pipeline"
	"github.com/dorklabs/dork/internal/relay/signals"
	"github.com/dorklabs/dork/internal/relay/subject"
)

// ErrUnknownEndpoint is returned for operations naming a subject that was
// never registered.
var ErrUnknownEndpoint = pipeline.ErrUnknownEndpoint

// ExternalDeliverer forwards envelopes to out-of-process consumers. The
// adapter registry implements it; the core treats it as fire-and-forget:
// forward errors are logged, never reflected in publish receipts.
type ExternalDeliverer interface {
	Deliver(ctx context.Context, subj string, env *envelope.Envelope) (bool, error)
}

// Options configures a Core. Reliability knobs can later be swapped with
// ReloadConfig; the paths cannot.
type Options struct {
	// MailboxRoot is the directory holding per-endpoint mailboxes.
	MailboxRoot string
	// IndexPath is the SQLite delivery index location.
	IndexPath string

	Reliability config.ReliabilityConfig

	// SeedRules populate the access table on first boot. Once the index
	// holds any rules, the persisted set wins and the seed is ignored.
	SeedRules []config.RuleConfig
}

// Core is the relay. All methods are safe for concurrent use.
type Core struct {
	store    *maildir.Store
	index    *index.Index
	queue    *dlq.Queue
	breakers *breaker.Set
	limiter  *limiters.SenderSet
	access   *access.Evaluator
	hub      *signals.Hub
	subs     *subscriptions
	pipe     *pipeline.Pipeline

	// endpoints mirrors the pipeline's dispatcher set but is only updated
	// once the index write succeeded, so publishes never route to an
	// endpoint that would vanish on restart.
	epMu      sync.RWMutex
	endpoints map[string]string // subject -> hash

	extMu    sync.RWMutex
	external ExternalDeliverer

	Log log.Logger
}

// New opens the persistent state and starts the delivery machinery:
// half-delivered messages are rolled back to new/, persisted access rules
// and endpoints are restored and a dispatcher is started per endpoint.
// Restored mailboxes stay parked until a subscriber appears.
func New(ctx context.Context, opts Options) (*Core, error) {
	ix, err := index.Open(ctx, opts.IndexPath)
	if err != nil {
		return nil, err
	}

	store := maildir.New(opts.MailboxRoot)
	recovered, err := store.Recover()
	if err != nil {
		ix.Close()
		return nil, err
	}

	rules, err := bootRules(ctx, ix, opts.SeedRules)
	if err != nil {
		ix.Close()
		return nil, err
	}

	c := &Core{
		store:     store,
		index:     ix,
		queue:     dlq.New(store, ix),
		breakers:  breaker.NewSet(breakerConfig(opts.Reliability.CircuitBreaker)),
		limiter:   limiters.NewSenderSet(limiterConfig(opts.Reliability.RateLimit)),
		access:    access.NewEvaluator(rules),
		hub:       signals.NewHub(),
		subs:      &subscriptions{},
		endpoints: map[string]string{},
		Log:       log.Logger{Name: "relay"},
	}
	c.pipe = pipeline.New(pipeline.Options{
		Store:        store,
		Index:        ix,
		DLQ:          c.queue,
		Breakers:     c.breakers,
		Signals:      c.hub,
		Deliver:      c.dispatch,
		HasConsumers: c.hasConsumers,
	}, pressureConfig(opts.Reliability.Backpressure))

	eps, err := ix.ListEndpoints(ctx)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	for _, ep := range eps {
		hash, err := c.pipe.AddEndpoint(ep.Subject)
		if err != nil {
			c.shutdown()
			return nil, fmt.Errorf("relay: restore endpoint %s: %w", ep.Subject, err)
		}
		c.endpoints[ep.Subject] = hash
	}
	endpointsActive.Set(float64(len(eps)))

	if recovered > 0 {
		c.Log.Msg("recovered in-flight messages", "count", recovered)
	}
	c.Log.Msg("core ready", "endpoints", len(eps), "rules", len(rules))
	return c, nil
}

// bootRules loads the persisted access rule set, seeding it from the config
// when the table is empty.
func bootRules(ctx context.Context, ix *index.Index, seed []config.RuleConfig) ([]access.Rule, error) {
	persisted, err := ix.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(persisted) > 0 {
		return fromIndexRules(persisted), nil
	}

	rules := make([]module.AccessRule, 0, len(seed))
	for _, r := range seed {
		rules = append(rules, module.AccessRule{
			From:     r.From,
			To:       r.To,
			Action:   r.Action,
			Priority: r.Priority,
		})
	}
	if len(rules) == 0 {
		return nil, nil
	}
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
	}
	if err := ix.ReplaceRules(ctx, toIndexRules(rules)); err != nil {
		return nil, err
	}
	return toAccessRules(rules), nil
}

func (c *Core) shutdown() {
	c.pipe.Close()
	c.hub.Close()
	c.index.Close()
}

// Close drains the dispatchers, closes the signal hub and releases the
// index. Parked and pending messages stay on disk for the next boot.
func (c *Core) Close() error {
	pipeErr := c.pipe.Close()
	c.hub.Close()
	idxErr := c.index.Close()
	if pipeErr != nil {
		return pipeErr
	}
	return idxErr
}

// AttachAdapters hands the core its outbound adapter surface. Wiring
// happens after construction because adapters publish into the same core
// that forwards to them.
func (c *Core) AttachAdapters(d ExternalDeliverer) {
	c.extMu.Lock()
	c.external = d
	c.extMu.Unlock()
}

func (c *Core) externalDeliverer() ExternalDeliverer {
	c.extMu.RLock()
	defer c.extMu.RUnlock()
	return c.external
}

// Signals exposes the transient event hub for SSE streams and in-process
// listeners.
func (c *Core) Signals() *signals.Hub {
	return c.hub
}

// --- publishing ---

// Publish stamps, validates and fans the envelope out to every matching
// endpoint, then forwards it to adapters. The receipt reports the
// per-endpoint outcome; only infrastructure failures (disk, database)
// surface as an error. A publish matching zero endpoints is not an error.
//
// The passed envelope is never mutated.
func (c *Core) Publish(ctx context.Context, env *envelope.Envelope) (*module.PublishReceipt, error) {
	cpy := *env
	if cpy.ID == "" {
		cpy.ID = envelope.NewID()
	}
	if cpy.CreatedAt.IsZero() {
		cpy.CreatedAt = time.Now().UTC()
	}
	if err := cpy.Validate(); err != nil {
		return nil, err
	}
	// The subject may carry wildcards for fan-out, the sender may not.
	if err := subject.ValidatePattern(cpy.Subject); err != nil {
		return nil, fmt.Errorf("relay: publish subject: %w", err)
	}
	if err := subject.Validate(cpy.From); err != nil {
		return nil, fmt.Errorf("relay: publish from: %w", err)
	}

	publishesTotal.Inc()
	receipt := &module.PublishReceipt{
		MessageID:   cpy.ID,
		DeliveredTo: []string{},
	}

	if !c.limiter.Take(cpy.From) {
		publishRefused.WithLabelValues(exterrors.ReasonRateLimited).Inc()
		c.Log.Msg("publish rate limited", "from", cpy.From, "subject", cpy.Subject)
		receipt.Rejected = append(receipt.Rejected, module.Rejection{
			Endpoint: cpy.Subject,
			Reason:   exterrors.ReasonRateLimited,
		})
		return receipt, nil
	}

	for _, ep := range c.candidates(cpy.Subject) {
		if err := ctx.Err(); err != nil {
			return receipt, err
		}
		if !c.access.Allowed(cpy.From, ep.subject) {
			publishRefused.WithLabelValues(exterrors.ReasonAccessDenied).Inc()
			c.Log.DebugMsg("publish blocked", "from", cpy.From, "endpoint", ep.subject)
			receipt.Rejected = append(receipt.Rejected, module.Rejection{
				Endpoint: ep.subject,
				Reason:   exterrors.ReasonAccessDenied,
			})
			continue
		}

		err := c.pipe.Submit(ctx, ep.subject, &cpy)
		if err == nil {
			receipt.DeliveredTo = append(receipt.DeliveredTo, ep.subject)
			continue
		}
		var rej *exterrors.RejectError
		if errors.As(err, &rej) {
			receipt.Rejected = append(receipt.Rejected, module.Rejection{
				Endpoint: ep.subject,
				Reason:   rej.Reason,
			})
			continue
		}
		return receipt, err
	}

	// Adapters are not endpoints: a forward failure is logged and the
	// receipt stays as the mailbox writes left it.
	if ext := c.externalDeliverer(); ext != nil {
		if ok, err := ext.Deliver(ctx, cpy.Subject, &cpy); err != nil {
			c.Log.Error("adapter forward failed", err, "subject", cpy.Subject, "id", cpy.ID)
		} else if ok {
			c.Log.DebugMsg("adapter forwarded", "subject", cpy.Subject, "id", cpy.ID)
		}
	}

	return receipt, nil
}

type endpointRef struct {
	subject string
	hash    string
}

// candidates resolves the endpoints a publish subject reaches, sorted by
// subject so receipts are deterministic.
func (c *Core) candidates(pattern string) []endpointRef {
	c.epMu.RLock()
	defer c.epMu.RUnlock()
	out := make([]endpointRef, 0, 4)
	for s, h := range c.endpoints {
		if subject.Match(pattern, s) {
			out = append(out, endpointRef{subject: s, hash: h})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].subject < out[j].subject })
	return out
}

// --- subscriptions ---

// Subscribe registers a handler for endpoint subjects matching the pattern
// and returns the token to unsubscribe with. Mailboxes parked for lack of
// consumers are woken.
func (c *Core) Subscribe(pattern string, h module.Handler) (string, error) {
	if h == nil {
		return "", errors.New("relay: nil handler")
	}
	if err := subject.ValidatePattern(pattern); err != nil {
		return "", err
	}
	token := c.subs.Add(pattern, h)
	subscribersActive.Set(float64(c.subs.Len()))
	c.pipe.WakeAll()
	c.Log.DebugMsg("subscribed", "pattern", pattern)
	return token, nil
}

// Unsubscribe drops the subscription identified by token. Unknown tokens
// report false.
func (c *Core) Unsubscribe(token string) bool {
	ok := c.subs.Remove(token)
	if ok {
		subscribersActive.Set(float64(c.subs.Len()))
	}
	return ok
}

// dispatch hands a claimed message to every matching handler. Handlers run
// concurrently and share the claim; any failure fails the whole delivery.
func (c *Core) dispatch(ctx context.Context, endpointSubject string, env *envelope.Envelope) error {
	handlers := c.subs.Matching(endpointSubject)
	if len(handlers) == 0 {
		return pipeline.ErrNoConsumers
	}
	if len(handlers) == 1 {
		return handlers[0](ctx, env)
	}

	eg, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		eg.Go(func() error {
			return h(gctx, env)
		})
	}
	return eg.Wait()
}

func (c *Core) hasConsumers(endpointSubject string) bool {
	return c.subs.HasMatching(endpointSubject)
}

// --- endpoints ---

// RegisterEndpoint creates a mailbox for the concrete subject and persists
// the registration. Registering an existing endpoint is a no-op.
func (c *Core) RegisterEndpoint(ctx context.Context, subj string) error {
	if err := subject.Validate(subj); err != nil {
		return fmt.Errorf("relay: endpoint subject: %w", err)
	}

	c.epMu.Lock()
	defer c.epMu.Unlock()
	if _, ok := c.endpoints[subj]; ok {
		return nil
	}

	hash, err := c.pipe.AddEndpoint(subj)
	if err != nil {
		return err
	}
	if err := c.index.UpsertEndpoint(ctx, subj, hash); err != nil {
		// A registration that is not persisted is not a registration.
		if rmErr := c.pipe.RemoveEndpoint(subj); rmErr != nil {
			c.Log.Error("endpoint rollback failed", rmErr, "endpoint", subj)
		}
		return err
	}
	c.endpoints[subj] = hash
	endpointsActive.Inc()
	c.Log.Msg("endpoint registered", "endpoint", subj, "hash", hash)
	return nil
}

// UnregisterEndpoint drops the registration and deletes the mailbox tree,
// dead letters included. Index delivery rows are kept as history.
func (c *Core) UnregisterEndpoint(ctx context.Context, subj string) error {
	c.epMu.Lock()
	defer c.epMu.Unlock()
	hash, ok := c.endpoints[subj]
	if !ok {
		return ErrUnknownEndpoint
	}

	if err := c.index.DeleteEndpoint(ctx, hash); err != nil {
		return err
	}
	delete(c.endpoints, subj)
	endpointsActive.Dec()
	if err := c.pipe.RemoveEndpoint(subj); err != nil && !errors.Is(err, pipeline.ErrUnknownEndpoint) {
		c.Log.Error("mailbox teardown failed", err, "endpoint", subj)
		return err
	}
	c.Log.Msg("endpoint unregistered", "endpoint", subj)
	return nil
}

// ListEndpoints returns the persisted registrations sorted by subject.
func (c *Core) ListEndpoints(ctx context.Context) ([]index.Endpoint, error) {
	return c.index.ListEndpoints(ctx)
}

// --- access control ---

// AccessRules returns the active rule set in evaluation order.
func (c *Core) AccessRules() []module.AccessRule {
	return toModuleRules(c.access.Rules())
}

// SetAccessRules swaps the whole rule set, persisting it before the
// in-memory evaluator switches over.
func (c *Core) SetAccessRules(ctx context.Context, rules []module.AccessRule) error {
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return err
		}
	}
	if err := c.index.ReplaceRules(ctx, toIndexRules(rules)); err != nil {
		return err
	}
	c.access.Replace(toAccessRules(rules))
	c.Log.Msg("access rules replaced", "rules", len(rules))
	return nil
}

// AddAccessRule persists and activates one rule.
func (c *Core) AddAccessRule(ctx context.Context, r module.AccessRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if _, err := c.index.AddRule(ctx, index.Rule{
		FromPattern: r.From,
		ToPattern:   r.To,
		Action:      r.Action,
		Priority:    r.Priority,
	}); err != nil {
		return err
	}
	c.access.Add(access.Rule{
		From:     r.From,
		To:       r.To,
		Action:   access.Action(r.Action),
		Priority: r.Priority,
	})
	c.Log.Msg("access rule added", "from", r.From, "to", r.To, "action", r.Action)
	return nil
}

// RemoveAccessRule drops every rule with the given pattern pair and reports
// how many were active.
func (c *Core) RemoveAccessRule(ctx context.Context, from, to string) (int, error) {
	if _, err := c.index.DeleteRulePair(ctx, from, to); err != nil {
		return 0, err
	}
	removed := c.access.Remove(from, to)
	if removed > 0 {
		c.Log.Msg("access rules removed", "from", from, "to", to, "count", removed)
	}
	return removed, nil
}

// Allowed reports whether a sender may currently reach a target subject.
func (c *Core) Allowed(from, to string) bool {
	return c.access.Allowed(from, to)
}

func validateRule(r module.AccessRule) error {
	if err := subject.ValidatePattern(r.From); err != nil {
		return fmt.Errorf("relay: rule from: %w", err)
	}
	if err := subject.ValidatePattern(r.To); err != nil {
		return fmt.Errorf("relay: rule to: %w", err)
	}
	if a := access.Action(r.Action); a != access.ActionAllow && a != access.ActionDeny {
		return fmt.Errorf("relay: rule action %q: want allow or deny", r.Action)
	}
	return nil
}

// --- dead letters ---

// DeadLetters lists the buried messages of one endpoint, or of all
// endpoints when the subject is empty.
func (c *Core) DeadLetters(ctx context.Context, endpointSubject string) ([]dlq.DeadLetter, error) {
	hash := ""
	if endpointSubject != "" {
		hash = subject.Hash(endpointSubject)
	}
	return c.queue.List(ctx, hash)
}

// ReplayDeadLetter moves a dead letter back into the delivery queue and
// nudges the dispatcher.
func (c *Core) ReplayDeadLetter(ctx context.Context, endpointSubject, id string) error {
	hash := subject.Hash(endpointSubject)
	if _, err := c.queue.Replay(ctx, hash, id); err != nil {
		return err
	}
	c.pipe.Wake(hash)
	return nil
}

// PurgeDeadLetters deletes dead letters buried before the cutoff across all
// endpoints and reports how many were removed.
func (c *Core) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	return c.queue.Purge(ctx, olderThan)
}

// --- introspection ---

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Messages index.MetricsSnapshot
	// Pending maps endpoint subjects to undelivered message counts.
	Pending map[string]int
	// Breakers maps endpoint subjects to circuit breaker states.
	Breakers    map[string]string
	Endpoints   int
	Subscribers int
}

func (c *Core) Stats(ctx context.Context) (*Stats, error) {
	snap, err := c.index.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	pendingByHash, err := c.index.PendingByEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	c.epMu.RLock()
	byHash := make(map[string]string, len(c.endpoints))
	for s, h := range c.endpoints {
		byHash[h] = s
	}
	epCount := len(c.endpoints)
	c.epMu.RUnlock()

	named := func(hash string) string {
		if s, ok := byHash[hash]; ok {
			return s
		}
		return hash
	}

	pending := make(map[string]int, len(pendingByHash))
	for h, n := range pendingByHash {
		pending[named(h)] = n
	}
	states := map[string]string{}
	for h, st := range c.breakers.States() {
		states[named(h)] = st.String()
	}

	return &Stats{
		Messages:    snap,
		Pending:     pending,
		Breakers:    states,
		Endpoints:   epCount,
		Subscribers: c.subs.Len(),
	}, nil
}

// ReloadConfig swaps the reliability tuning without restarting dispatchers.
// Breaker states and rate windows survive the swap.
func (c *Core) ReloadConfig(rel config.ReliabilityConfig) {
	c.pipe.Reconfigure(pressureConfig(rel.Backpressure))
	c.breakers.Reconfigure(breakerConfig(rel.CircuitBreaker))
	c.limiter.Reconfigure(limiterConfig(rel.RateLimit))
	c.Log.Msg("reliability config reloaded")
}

// --- config mapping ---

func pressureConfig(c config.BackpressureConfig) pipeline.Config {
	return pipeline.Config{
		MaxMailboxSize:    c.MaxMailboxSize,
		PressureWarningAt: c.PressureWarningAt,
	}
}

func breakerConfig(c config.CircuitBreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:   c.FailureThreshold,
		Cooldown:           c.Cooldown.Std(),
		HalfOpenProbeCount: c.HalfOpenProbeCount,
		SuccessToClose:     c.SuccessToClose,
	}
}

func limiterConfig(c config.RateLimitConfig) limiters.Config {
	ov := make([]limiters.Override, 0, len(c.Overrides))
	for _, o := range c.Overrides {
		ov = append(ov, limiters.Override{Pattern: o.Sender, Max: o.MaxPerWindow})
	}
	return limiters.Config{
		Window:    time.Duration(c.WindowSeconds) * time.Second,
		Max:       c.MaxPerWindow,
		Overrides: ov,
	}
}

func toIndexRules(rules []module.AccessRule) []index.Rule {
	out := make([]index.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, index.Rule{
			FromPattern: r.From,
			ToPattern:   r.To,
			Action:      r.Action,
			Priority:    r.Priority,
		})
	}
	return out
}

func toAccessRules(rules []module.AccessRule) []access.Rule {
	out := make([]access.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, access.Rule{
			From:     r.From,
			To:       r.To,
			Action:   access.Action(r.Action),
			Priority: r.Priority,
		})
	}
	return out
}

func toModuleRules(rules []access.Rule) []module.AccessRule {
	out := make([]module.AccessRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, module.AccessRule{
			From:     r.From,
			To:       r.To,
			Action:   string(r.Action),
			Priority: r.Priority,
		})
	}
	return out
}

func fromIndexRules(rules []index.Rule) []access.Rule {
	out := make([]access.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, access.Rule{
			From:     r.FromPattern,
			To:       r.ToPattern,
			Action:   access.Action(r.Action),
			Priority: r.Priority,
		})
	}
	return out
}
