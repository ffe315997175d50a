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

/*
Package pipeline moves envelopes from publish to handler, one worker per
endpoint.

Submit runs the admission stages synchronously on the publisher's
goroutine and either persists the envelope or rejects it with a typed
reason:

 1. backpressure: pending count against the mailbox cap
 2. breaker gate: no new mail for an endpoint that keeps failing
 3. budget: TTL, hop limit, call budget, cycle check; charges the copy
    that is persisted
 4. maildir write (new/)
 5. index row (pending)

Rejections from stages 1-3 are buried in the dead letter queue and
returned as *exterrors.RejectError so the publish receipt can carry the
reason. A write failure at stage 4 counts against the endpoint's
breaker and is buried too.

Each endpoint then has one dispatcher goroutine draining its mailbox in
ID order: claim, deliver through the DeliverFunc, complete or
dead-letter. A dispatcher only drains while the endpoint has consumers;
otherwise mail waits in new/ for a future claim. Dispatch outcomes feed
the endpoint's circuit breaker, and an open breaker parks the
dispatcher instead of hammering a failing handler. Messages already
queued survive daemon restarts; recovery of claimed-but-unfinished
envelopes happens in the maildir store before workers start.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/exterrors"
	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/breaker"
	"github.com/dorklabs/dork/internal/relay/dlq"
	"github.com/dorklabs/dork/internal/relay/index"
	"github.com/dorklabs/dork/internal/relay/maildir"
	"github.com/dorklabs/dork/internal/relay/subject"
)

// ErrUnknownEndpoint is returned by Submit for subjects with no
// registered mailbox. It is the module-level sentinel, so callers at
// any layer can match it.
var ErrUnknownEndpoint = module.ErrUnknownEndpoint

// ErrNoConsumers is returned by a DeliverFunc when nothing consumes the
// endpoint right now. The dispatcher puts the message back into new/
// and parks instead of treating it as a delivery failure.
var ErrNoConsumers = errors.New("pipeline: no consumers")

// dontRecover controls the behavior of panic handlers, if it is set to
// true - they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

// How long a dispatcher with backlog sleeps before asking an open
// breaker again.
const breakerRetry = 500 * time.Millisecond

// DeliverFunc hands a claimed envelope to whatever consumes the
// endpoint: subscriber handlers or an adapter. A nil return marks the
// message delivered; any error dead-letters it and counts against the
// endpoint's breaker.
type DeliverFunc func(ctx context.Context, endpointSubject string, env *envelope.Envelope) error

// Config is the backpressure tuning. Reconfigure swaps it at runtime.
type Config struct {
	// Pending messages per mailbox before submits are rejected.
	// Zero disables the cap.
	MaxMailboxSize int
	// Fill ratio at which a warning is logged and a backpressure
	// signal is emitted.
	PressureWarningAt float64
}

// Options carries the pipeline's collaborators.
type Options struct {
	Store    *maildir.Store
	Index    *index.Index
	DLQ      *dlq.Queue
	Breakers *breaker.Set
	Signals  module.SignalSink
	Deliver  DeliverFunc

	// HasConsumers reports whether anything would take a message for
	// the endpoint right now. Dispatchers park while it returns false,
	// leaving mail in new/; WakeAll restarts them once consumers
	// appear. Nil means always.
	HasConsumers func(endpointSubject string) bool
}

type worker struct {
	subject string
	hash    string
	wake    chan struct{} // cap 1
	quit    chan struct{}
	done    chan struct{}
}

func (w *worker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

type Pipeline struct {
	store        *maildir.Store
	index        *index.Index
	dlq          *dlq.Queue
	breakers     *breaker.Set
	sink         module.SignalSink
	deliver      DeliverFunc
	hasConsumers func(string) bool

	cfgMu sync.RWMutex
	cfg   Config

	mu        sync.Mutex
	endpoints map[string]*worker // keyed by endpoint hash
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	Log log.Logger
}

func New(opts Options, cfg Config) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:        opts.Store,
		index:        opts.Index,
		dlq:          opts.DLQ,
		breakers:     opts.Breakers,
		sink:         opts.Signals,
		deliver:      opts.Deliver,
		hasConsumers: opts.HasConsumers,
		cfg:          cfg,
		endpoints:    map[string]*worker{},
		ctx:          ctx,
		cancel:       cancel,
		stop:         make(chan struct{}),
		Log:          log.Logger{Name: "pipeline"},
	}
}

// Reconfigure swaps the backpressure tuning for subsequent submits.
func (p *Pipeline) Reconfigure(cfg Config) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
}

func (p *Pipeline) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// AddEndpoint creates the mailbox and starts the dispatcher for an
// endpoint subject. Adding an existing endpoint is a no-op. The new
// dispatcher immediately drains whatever the mailbox already holds, so
// recovered backlog flows without a publish.
func (p *Pipeline) AddEndpoint(endpointSubject string) (string, error) {
	hash := subject.Hash(endpointSubject)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", errors.New("pipeline: closed")
	}
	if _, ok := p.endpoints[hash]; ok {
		return hash, nil
	}
	if err := p.store.Ensure(hash); err != nil {
		return "", err
	}

	w := &worker{
		subject: endpointSubject,
		hash:    hash,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.endpoints[hash] = w
	p.wg.Add(1)
	go p.run(w)
	w.poke()

	p.Log.DebugMsg("endpoint attached", "endpoint", endpointSubject, "hash", hash)
	return hash, nil
}

// RemoveEndpoint stops the dispatcher and deletes the mailbox tree,
// dead letters included. Index delivery rows are kept as history.
func (p *Pipeline) RemoveEndpoint(endpointSubject string) error {
	hash := subject.Hash(endpointSubject)

	p.mu.Lock()
	w, ok := p.endpoints[hash]
	delete(p.endpoints, hash)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}

	close(w.quit)
	<-w.done

	p.breakers.Forget(hash)
	mailboxPending.DeleteLabelValues(hash)
	if err := p.store.Remove(hash); err != nil {
		return err
	}
	p.Log.DebugMsg("endpoint detached", "endpoint", endpointSubject, "hash", hash)
	return nil
}

// Endpoints returns the subjects with a running dispatcher.
func (p *Pipeline) Endpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.endpoints))
	for _, w := range p.endpoints {
		out = append(out, w.subject)
	}
	return out
}

// Wake nudges an endpoint's dispatcher, e.g. after a dead letter
// replay put something back into new/. Unknown hashes are ignored.
func (p *Pipeline) Wake(hash string) {
	p.mu.Lock()
	w := p.endpoints[hash]
	p.mu.Unlock()
	if w != nil {
		w.poke()
	}
}

// WakeAll nudges every dispatcher. Called when a new subscription may
// have given parked endpoints a consumer.
func (p *Pipeline) WakeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.endpoints {
		w.poke()
	}
}

// Submit runs the admission stages for one endpoint and enqueues the
// envelope. It returns a *exterrors.RejectError for policy rejections,
// ErrUnknownEndpoint for unroutable subjects, or an infrastructure
// error.
func (p *Pipeline) Submit(ctx context.Context, endpointSubject string, env *envelope.Envelope) error {
	hash := subject.Hash(endpointSubject)

	p.mu.Lock()
	w, ok := p.endpoints[hash]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}

	cfg := p.config()
	pending, err := p.index.CountPending(ctx, hash)
	if err != nil {
		return err
	}
	if cfg.MaxMailboxSize > 0 {
		if pending >= cfg.MaxMailboxSize {
			p.pressureSignal(endpointSubject, "critical", pending, cfg.MaxMailboxSize)
			return p.reject(ctx, env, endpointSubject, hash, exterrors.ReasonBackpressure)
		}
		if ratio := float64(pending+1) / float64(cfg.MaxMailboxSize); ratio >= cfg.PressureWarningAt {
			p.Log.Msg("mailbox under pressure",
				"endpoint", endpointSubject, "pending", pending+1, "max", cfg.MaxMailboxSize)
			p.pressureSignal(endpointSubject, "warning", pending+1, cfg.MaxMailboxSize)
		}
	}

	if p.breakers.StateOf(hash) == breaker.StateOpen {
		return p.reject(ctx, env, endpointSubject, hash, exterrors.ReasonCircuitOpen)
	}

	charged, rej := envelope.Enforce(env, endpointSubject, time.Now())
	if rej != nil {
		rej.Endpoint = endpointSubject
		return p.reject(ctx, env, endpointSubject, hash, rej.Reason)
	}
	delivery := *env
	delivery.Budget = charged

	if err := p.store.Deliver(hash, &delivery); err != nil {
		p.breakers.RecordFailure(hash)
		if dlqErr := p.dlq.Reject(ctx, env, hash, fmt.Sprintf("delivery failed: %v", err)); dlqErr != nil {
			p.Log.Error("dead letter write failed", dlqErr, "endpoint", endpointSubject, "id", env.ID)
		}
		return err
	}

	row := index.Message{
		ID:           delivery.ID,
		Subject:      delivery.Subject,
		EndpointHash: hash,
		CreatedAt:    delivery.CreatedAt,
	}
	if delivery.Budget != nil && delivery.Budget.TTL > 0 {
		row.ExpiresAt = time.UnixMilli(delivery.Budget.TTL).UTC()
	}
	if err := p.index.InsertMessage(ctx, row); err != nil {
		return err
	}

	submittedTotal.Inc()
	mailboxPending.WithLabelValues(hash).Inc()
	w.poke()
	return nil
}

// pressureSignal reports the mailbox fill level: "warning" while
// submits still pass, "critical" once they are rejected.
func (p *Pipeline) pressureSignal(endpointSubject, state string, pending, max int) {
	p.sink.Emit(module.Signal{
		Type:            module.SignalBackpressure,
		State:           state,
		EndpointSubject: endpointSubject,
		Data: map[string]any{
			"pending": pending,
			"max":     max,
		},
	})
}

func (p *Pipeline) reject(ctx context.Context, env *envelope.Envelope, endpointSubject, hash, reason string) *exterrors.RejectError {
	rejectedTotal.WithLabelValues(reason).Inc()
	p.Log.DebugMsg("submit rejected", "endpoint", endpointSubject, "id", env.ID, "reason", reason)
	if err := p.dlq.Reject(ctx, env, hash, reason); err != nil {
		p.Log.Error("dead letter write failed", err, "endpoint", endpointSubject, "id", env.ID)
	}
	return exterrors.RejectEndpoint(reason, endpointSubject)
}

func (p *Pipeline) run(w *worker) {
	defer p.wg.Done()
	defer close(w.done)
	for {
		select {
		case <-p.stop:
			return
		case <-w.quit:
			return
		case <-w.wake:
		}
		if !p.drain(w) {
			return
		}
	}
}

// drain processes the mailbox until it is empty or nothing consumes the
// endpoint. Returns false when the pipeline or the endpoint is shutting
// down.
func (p *Pipeline) drain(w *worker) bool {
	for {
		select {
		case <-p.stop:
			return false
		case <-w.quit:
			return false
		default:
		}

		if p.hasConsumers != nil && !p.hasConsumers(w.subject) {
			// Mail stays in new/ until a subscriber shows up.
			return true
		}

		ids, err := p.store.ListNew(w.hash)
		if err != nil {
			p.Log.Error("mailbox listing failed", err, "endpoint", w.subject)
			return true
		}
		mailboxPending.WithLabelValues(w.hash).Set(float64(len(ids)))
		if len(ids) == 0 {
			return true
		}
		for _, id := range ids {
			if !p.waitBreaker(w) {
				return false
			}
			if !p.dispatchOne(w, id) {
				return true
			}
		}
	}
}

// waitBreaker blocks until the endpoint's breaker admits a delivery.
// Returns false when shutdown interrupts the wait.
func (p *Pipeline) waitBreaker(w *worker) bool {
	for {
		if p.breakers.Allow(w.hash) {
			return true
		}
		select {
		case <-p.stop:
			return false
		case <-w.quit:
			return false
		case <-time.After(breakerRetry):
		}
	}
}

// dispatchOne claims and delivers a single message. It reports whether
// the dispatcher should keep draining the mailbox.
func (p *Pipeline) dispatchOne(w *worker, id string) (keepDraining bool) {
	var env *envelope.Envelope
	defer func() {
		if dontRecover {
			return
		}
		if r := recover(); r != nil {
			keepDraining = true
			p.Log.Msg("panic during dispatch",
				"endpoint", w.subject, "id", id, "panic", r, "stack", string(debug.Stack()))
			if env != nil {
				if err := p.dlq.Fail(context.Background(), env, w.hash, exterrors.ReasonHandlerError); err != nil {
					p.Log.Error("dead letter write failed", err, "endpoint", w.subject, "id", id)
				}
			}
			p.breakers.RecordFailure(w.hash)
		}
	}()

	env, err := p.store.Claim(w.hash, id)
	if errors.Is(err, maildir.ErrNoMessage) {
		// Raced with a purge or an endpoint removal.
		p.breakers.Cancel(w.hash)
		return true
	}
	if err != nil {
		p.Log.Error("claim failed", err, "endpoint", w.subject, "id", id)
		p.breakers.Cancel(w.hash)
		return true
	}

	// Messages can outlive their TTL while parked in the mailbox.
	if env.Budget != nil && env.Budget.Expired(time.Now()) {
		p.Log.DebugMsg("expired in mailbox", "endpoint", w.subject, "id", id)
		if err := p.dlq.Fail(p.ctx, env, w.hash, exterrors.ReasonTTLExpired); err != nil {
			p.Log.Error("dead letter write failed", err, "endpoint", w.subject, "id", id)
		}
		dispatchFailed.WithLabelValues(exterrors.ReasonTTLExpired).Inc()
		p.breakers.Cancel(w.hash)
		return true
	}

	p.Log.Debugln("dispatching", id, "to", w.subject)
	start := time.Now()
	err = p.deliver(p.ctx, w.subject, env)
	dispatchSeconds.Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrNoConsumers) {
		// The last subscriber left between the drain check and the
		// claim. Put the message back and park.
		if err := p.store.Unclaim(w.hash, id); err != nil {
			p.Log.Error("unclaim failed", err, "endpoint", w.subject, "id", id)
		}
		p.breakers.Cancel(w.hash)
		return false
	}
	if err != nil {
		reason := exterrors.ReasonHandlerError
		if r, ok := exterrors.ReasonOf(err); ok {
			reason = r
		}
		p.Log.Error("dispatch failed", err, "endpoint", w.subject, "id", id)
		if err := p.dlq.Fail(p.ctx, env, w.hash, reason); err != nil {
			p.Log.Error("dead letter write failed", err, "endpoint", w.subject, "id", id)
		}
		p.breakers.RecordFailure(w.hash)
		dispatchFailed.WithLabelValues(reason).Inc()
		return true
	}

	if err := p.store.Complete(w.hash, id); err != nil {
		p.Log.Error("complete failed", err, "endpoint", w.subject, "id", id)
	}
	if err := p.index.SetStatus(p.ctx, id, w.hash, index.StatusDelivered); err != nil && !errors.Is(err, index.ErrNotFound) {
		p.Log.Error("index update failed", err, "endpoint", w.subject, "id", id)
	}
	p.breakers.RecordSuccess(w.hash)
	deliveredTotal.Inc()
	p.sink.Emit(module.Signal{
		Type:            module.SignalDeliveryReceipt,
		EndpointSubject: w.subject,
		Data:            map[string]any{"messageId": id},
	})
	return true
}

// Close stops accepting submits, lets every dispatcher finish its
// current message and waits for them to exit.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	p.cancel()
	return nil
}
