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

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/exterrors"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/breaker"
	"github.com/dorklabs/dork/internal/relay/dlq"
	"github.com/dorklabs/dork/internal/relay/index"
	"github.com/dorklabs/dork/internal/relay/maildir"
	"github.com/dorklabs/dork/internal/relay/signals"
)

func init() {
	dontRecover = true
}

const endpointSubj = "relay.agent.core.alice"

func lenientBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold:   100,
		Cooldown:           time.Minute,
		HalfOpenProbeCount: 1,
		SuccessToClose:     1,
	}
}

func newTestPipeline(t *testing.T, cfg Config, bcfg breaker.Config, deliver DeliverFunc) (*Pipeline, *index.Index, *dlq.Queue, *signals.Hub) {
	t.Helper()
	dir := t.TempDir()

	store := maildir.New(filepath.Join(dir, "mailboxes"))
	ix, err := index.Open(context.Background(), filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	hub := signals.NewHub()
	t.Cleanup(hub.Close)

	p := New(Options{
		Store:    store,
		Index:    ix,
		DLQ:      dlq.New(store, ix),
		Breakers: breaker.NewSet(bcfg),
		Signals:  hub,
		Deliver:  deliver,
	}, cfg)
	t.Cleanup(func() { p.Close() })

	if _, err := p.AddEndpoint(endpointSubj); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	return p, ix, dlq.New(store, ix), hub
}

func testEnvelope(id string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:        id,
		Subject:   endpointSubj,
		From:      "relay.agent.core.bob",
		CreatedAt: time.Now().UTC(),
		Payload:   json.RawMessage(`{"text":"hi"}`),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, ix *index.Index, id, hash string, want index.Status) {
	t.Helper()
	waitFor(t, "status "+string(want)+" for "+id, func() bool {
		m, err := ix.GetMessage(context.Background(), id, hash)
		return err == nil && m.Status == want
	})
}

func TestSubmitAndDispatch(t *testing.T) {
	got := make(chan *envelope.Envelope, 1)
	p, ix, _, hub := newTestPipeline(t, Config{MaxMailboxSize: 100, PressureWarningAt: 0.9}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			got <- env
			return nil
		})

	_, receipts := hub.Subscribe("", 4)

	env := testEnvelope("01HZ0000000000000000000001")
	env.Budget = &envelope.Budget{MaxHops: 5, CallBudgetRemaining: 3}
	if err := p.Submit(context.Background(), endpointSubj, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var delivered *envelope.Envelope
	select {
	case delivered = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	if delivered.Budget == nil {
		t.Fatal("delivered copy should carry the charged budget")
	}
	if delivered.Budget.HopCount != 1 {
		t.Errorf("HopCount: got %d, want 1", delivered.Budget.HopCount)
	}
	if delivered.Budget.CallBudgetRemaining != 2 {
		t.Errorf("CallBudgetRemaining: got %d, want 2", delivered.Budget.CallBudgetRemaining)
	}
	if len(delivered.Budget.AncestorChain) != 1 || delivered.Budget.AncestorChain[0] != env.From {
		t.Errorf("AncestorChain: got %v, want [%s]", delivered.Budget.AncestorChain, env.From)
	}
	// The submitted envelope is untouched.
	if env.Budget.HopCount != 0 {
		t.Errorf("submitted envelope mutated: HopCount=%d", env.Budget.HopCount)
	}

	hash, _ := p.AddEndpoint(endpointSubj)
	waitStatus(t, ix, env.ID, hash, index.StatusDelivered)

	select {
	case sig := <-receipts:
		if sig.Type != module.SignalDeliveryReceipt {
			t.Errorf("signal type: got %q, want delivery_receipt", sig.Type)
		}
		if sig.Data["messageId"] != env.ID {
			t.Errorf("signal messageId: got %v", sig.Data["messageId"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery receipt signal")
	}
}

func TestSubmitUnknownEndpoint(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error { return nil })

	err := p.Submit(context.Background(), "relay.agent.core.ghost", testEnvelope("01HZ0000000000000000000002"))
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}
}

func TestBackpressureReject(t *testing.T) {
	gate := make(chan struct{})
	p, _, q, hub := newTestPipeline(t, Config{MaxMailboxSize: 2, PressureWarningAt: 0.99}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			<-gate
			return nil
		})
	defer close(gate)

	ctx := context.Background()
	if err := p.Submit(ctx, endpointSubj, testEnvelope("01HZ0000000000000000000003")); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := p.Submit(ctx, endpointSubj, testEnvelope("01HZ0000000000000000000004")); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	_, sigs := hub.Subscribe("", 8)
	err := p.Submit(ctx, endpointSubj, testEnvelope("01HZ0000000000000000000005"))
	reason, ok := exterrors.ReasonOf(err)
	if !ok || reason != exterrors.ReasonBackpressure {
		t.Fatalf("expected backpressure reject, got %v", err)
	}
	select {
	case sig := <-sigs:
		if sig.Type != module.SignalBackpressure || sig.State != "critical" {
			t.Errorf("signal: got %q/%q, want backpressure/critical", sig.Type, sig.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no critical backpressure signal on reject")
	}

	letters, lerr := q.List(ctx, "")
	if lerr != nil {
		t.Fatalf("List: %v", lerr)
	}
	if len(letters) != 1 || letters[0].Reason != exterrors.ReasonBackpressure {
		t.Fatalf("dead letters: got %+v", letters)
	}
}

func TestPressureWarningSignal(t *testing.T) {
	gate := make(chan struct{})
	p, _, _, hub := newTestPipeline(t, Config{MaxMailboxSize: 4, PressureWarningAt: 0.5}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			<-gate
			return nil
		})
	defer close(gate)

	_, sigs := hub.Subscribe("", 8)
	ctx := context.Background()

	if err := p.Submit(ctx, endpointSubj, testEnvelope("01HZ0000000000000000000006")); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	select {
	case sig := <-sigs:
		t.Fatalf("no signal expected below the warning ratio, got %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}

	if err := p.Submit(ctx, endpointSubj, testEnvelope("01HZ0000000000000000000007")); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	select {
	case sig := <-sigs:
		if sig.Type != module.SignalBackpressure {
			t.Errorf("signal type: got %q, want backpressure", sig.Type)
		}
		if sig.State != "warning" {
			t.Errorf("signal state: got %q, want warning", sig.State)
		}
		if sig.EndpointSubject != endpointSubj {
			t.Errorf("signal endpoint: got %q", sig.EndpointSubject)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no backpressure signal at the warning ratio")
	}
}

func TestBudgetReject(t *testing.T) {
	p, ix, q, _ := newTestPipeline(t, Config{}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error { return nil })

	ctx := context.Background()
	env := testEnvelope("01HZ0000000000000000000008")
	env.Budget = &envelope.Budget{CallBudgetRemaining: 0}

	err := p.Submit(ctx, endpointSubj, env)
	reason, ok := exterrors.ReasonOf(err)
	if !ok || reason != exterrors.ReasonBudgetExhausted {
		t.Fatalf("expected budget_exhausted, got %v", err)
	}

	hash, _ := p.AddEndpoint(endpointSubj)
	row, gerr := ix.GetMessage(ctx, env.ID, hash)
	if gerr != nil {
		t.Fatalf("GetMessage: %v", gerr)
	}
	if row.Status != index.StatusFailed {
		t.Errorf("index status: got %q, want failed", row.Status)
	}

	letters, lerr := q.List(ctx, hash)
	if lerr != nil {
		t.Fatalf("List: %v", lerr)
	}
	if len(letters) != 1 || letters[0].Reason != exterrors.ReasonBudgetExhausted {
		t.Fatalf("dead letters: got %+v", letters)
	}
}

func TestHandlerErrorDeadLetters(t *testing.T) {
	p, ix, q, _ := newTestPipeline(t, Config{}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			return errors.New("agent choked")
		})

	ctx := context.Background()
	env := testEnvelope("01HZ0000000000000000000009")
	if err := p.Submit(ctx, endpointSubj, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	hash, _ := p.AddEndpoint(endpointSubj)
	waitStatus(t, ix, env.ID, hash, index.StatusFailed)

	letters, err := q.List(ctx, hash)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != exterrors.ReasonHandlerError {
		t.Fatalf("dead letters: got %+v", letters)
	}
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	bcfg := breaker.Config{
		FailureThreshold:   1,
		Cooldown:           50 * time.Millisecond,
		HalfOpenProbeCount: 1,
		SuccessToClose:     1,
	}
	p, ix, _, _ := newTestPipeline(t, Config{}, bcfg,
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("down")
		})

	ctx := context.Background()
	hash, _ := p.AddEndpoint(endpointSubj)

	first := testEnvelope("01HZ0000000000000000000010")
	if err := p.Submit(ctx, endpointSubj, first); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	waitStatus(t, ix, first.ID, hash, index.StatusFailed)

	// The breaker is open now: new submits bounce.
	err := p.Submit(ctx, endpointSubj, testEnvelope("01HZ0000000000000000000011"))
	reason, ok := exterrors.ReasonOf(err)
	if !ok || reason != exterrors.ReasonCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond) // cooldown

	probe := testEnvelope("01HZ0000000000000000000012")
	if err := p.Submit(ctx, endpointSubj, probe); err != nil {
		t.Fatalf("Submit probe: %v", err)
	}
	waitStatus(t, ix, probe.ID, hash, index.StatusDelivered)
}

func TestExpiredInMailboxDeadLetters(t *testing.T) {
	gate := make(chan struct{})
	p, ix, q, _ := newTestPipeline(t, Config{}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			<-gate
			return nil
		})

	ctx := context.Background()
	hash, _ := p.AddEndpoint(endpointSubj)

	blocker := testEnvelope("01HZ0000000000000000000013")
	if err := p.Submit(ctx, endpointSubj, blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	shortLived := testEnvelope("01HZ0000000000000000000014")
	shortLived.Budget = &envelope.Budget{
		TTL:                 time.Now().Add(30 * time.Millisecond).UnixMilli(),
		CallBudgetRemaining: 5,
	}
	if err := p.Submit(ctx, endpointSubj, shortLived); err != nil {
		t.Fatalf("Submit short-lived: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the TTL lapse behind the blocker
	close(gate)

	waitStatus(t, ix, shortLived.ID, hash, index.StatusFailed)
	letters, err := q.List(ctx, hash)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != exterrors.ReasonTTLExpired {
		t.Fatalf("dead letters: got %+v", letters)
	}
	waitStatus(t, ix, blocker.ID, hash, index.StatusDelivered)
}

func TestRemoveEndpoint(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error { return nil })

	if err := p.RemoveEndpoint(endpointSubj); err != nil {
		t.Fatalf("RemoveEndpoint: %v", err)
	}
	if err := p.RemoveEndpoint(endpointSubj); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("second remove: got %v", err)
	}
	err := p.Submit(context.Background(), endpointSubj, testEnvelope("01HZ0000000000000000000015"))
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("Submit after remove: got %v", err)
	}
}

func TestNoConsumersLeavesMailParked(t *testing.T) {
	dir := t.TempDir()
	store := maildir.New(filepath.Join(dir, "mailboxes"))
	ix, err := index.Open(context.Background(), filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	hub := signals.NewHub()
	t.Cleanup(hub.Close)

	var hasConsumer atomic.Bool
	delivered := make(chan string, 1)
	p := New(Options{
		Store:    store,
		Index:    ix,
		DLQ:      dlq.New(store, ix),
		Breakers: breaker.NewSet(lenientBreaker()),
		Signals:  hub,
		Deliver: func(ctx context.Context, subj string, env *envelope.Envelope) error {
			delivered <- env.ID
			return nil
		},
		HasConsumers: func(string) bool { return hasConsumer.Load() },
	}, Config{MaxMailboxSize: 100, PressureWarningAt: 0.9})
	t.Cleanup(func() { p.Close() })

	hash, err := p.AddEndpoint(endpointSubj)
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	env := testEnvelope("01HZ0000000000000000000021")
	if err := p.Submit(context.Background(), endpointSubj, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Without a consumer the dispatcher parks and the message stays
	// queued.
	time.Sleep(100 * time.Millisecond)
	select {
	case id := <-delivered:
		t.Fatalf("message %s dispatched with no consumers", id)
	default:
	}
	ids, err := store.ListNew(hash)
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(ids) != 1 || ids[0] != env.ID {
		t.Fatalf("new/ = %v, want the parked message", ids)
	}

	hasConsumer.Store(true)
	p.WakeAll()
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("message never dispatched after a consumer appeared")
	}
	waitStatus(t, ix, env.ID, hash, index.StatusDelivered)
}

func TestNoConsumersMidDrainUnclaims(t *testing.T) {
	dir := t.TempDir()
	store := maildir.New(filepath.Join(dir, "mailboxes"))
	ix, err := index.Open(context.Background(), filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	hub := signals.NewHub()
	t.Cleanup(hub.Close)

	q := dlq.New(store, ix)
	var attempts atomic.Int32
	var allow atomic.Bool
	allow.Store(true)
	delivered := make(chan string, 1)
	p := New(Options{
		Store:    store,
		Index:    ix,
		DLQ:      q,
		Breakers: breaker.NewSet(lenientBreaker()),
		Signals:  hub,
		Deliver: func(ctx context.Context, subj string, env *envelope.Envelope) error {
			if attempts.Add(1) == 1 {
				// The consumer vanishes mid-claim.
				allow.Store(false)
				return ErrNoConsumers
			}
			delivered <- env.ID
			return nil
		},
		HasConsumers: func(string) bool { return allow.Load() },
	}, Config{MaxMailboxSize: 100, PressureWarningAt: 0.9})
	t.Cleanup(func() { p.Close() })

	hash, err := p.AddEndpoint(endpointSubj)
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	env := testEnvelope("01HZ0000000000000000000022")
	if err := p.Submit(context.Background(), endpointSubj, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, "first dispatch attempt", func() bool { return attempts.Load() == 1 })
	waitFor(t, "message back in new/", func() bool {
		ids, err := store.ListNew(hash)
		return err == nil && len(ids) == 1
	})

	// The refusal is not a delivery failure: nothing dead-lettered,
	// status still pending.
	letters, err := q.List(context.Background(), hash)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(letters) != 0 {
		t.Fatalf("dead letters after consumer refusal: %v", letters)
	}
	m, err := ix.GetMessage(context.Background(), env.ID, hash)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Status != index.StatusPending {
		t.Fatalf("status = %s, want pending", m.Status)
	}

	allow.Store(true)
	p.WakeAll()
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("message never dispatched after wake")
	}
	waitStatus(t, ix, env.ID, hash, index.StatusDelivered)
}

func TestCloseWaitsForInflight(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	p, _, _, _ := newTestPipeline(t, Config{}, lenientBreaker(),
		func(ctx context.Context, subj string, env *envelope.Envelope) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		})

	if err := p.Submit(context.Background(), endpointSubj, testEnvelope("01HZ0000000000000000000016")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !finished.Load() {
		t.Error("Close returned before the in-flight delivery finished")
	}
}
