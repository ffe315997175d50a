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

package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/module"
)

const testToken = "12345:TESTTOKEN"

func apiOK(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
}

func apiError(w http.ResponseWriter, desc string) {
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": desc})
}

func newAdapter(t *testing.T, apiURL string, extra map[string]any) *Adapter {
	t.Helper()
	cfg := map[string]any{
		"token":        testToken,
		"chat_id":      4242,
		"api_url":      apiURL,
		"timeout":      "2s",
		"poll_timeout": "1s",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	ad, err := New("tg", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ad.(*Adapter)
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	got  chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(_ context.Context, env *envelope.Envelope) (*module.PublishReceipt, error) {
	p.mu.Lock()
	p.envs = append(p.envs, env)
	p.mu.Unlock()
	p.got <- struct{}{}
	return &module.PublishReceipt{MessageID: envelope.NewID()}, nil
}

func (p *recordingPublisher) published() []*envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*envelope.Envelope(nil), p.envs...)
}

func TestDeliverSendsMessage(t *testing.T) {
	type sendReq struct {
		ChatID any    `json:"chat_id"`
		Text   string `json:"text"`
	}
	var (
		mu   sync.Mutex
		got  sendReq
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		apiOK(w, map[string]any{"message_id": 1})
	}))
	defer srv.Close()

	ad := newAdapter(t, srv.URL, nil)
	if err := ad.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ad.Stop()

	env := &envelope.Envelope{
		ID:      envelope.NewID(),
		Subject: "relay.telegram.tg.chat",
		From:    "relay.agent.ops.alerter",
		Payload: json.RawMessage(`{"text":"disk almost full"}`),
	}
	if err := ad.Deliver(context.Background(), env.Subject, env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if want := "/bot" + testToken + "/sendMessage"; path != want {
		t.Errorf("request path = %q, want %q", path, want)
	}
	if got.Text != "disk almost full" {
		t.Errorf("text = %q, want %q", got.Text, "disk almost full")
	}
	// JSON numbers decode as float64 on the capture side.
	if id, ok := got.ChatID.(float64); !ok || int64(id) != 4242 {
		t.Errorf("chat_id = %v, want 4242", got.ChatID)
	}
}

func TestDeliverAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiError(w, "Bad Request: chat not found")
	}))
	defer srv.Close()

	ad := newAdapter(t, srv.URL, nil)
	if err := ad.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ad.Stop()

	env := &envelope.Envelope{
		ID:      envelope.NewID(),
		Subject: "relay.telegram.tg.chat",
		From:    "relay.agent.ops.alerter",
	}
	err := ad.Deliver(context.Background(), env.Subject, env)
	if err == nil {
		t.Fatal("Deliver: expected the API refusal to surface")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error %q does not carry the API description", err)
	}
}

func TestInboundPublishes(t *testing.T) {
	var calls callCounter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			apiOK(w, map[string]any{})
			return
		}
		if calls.next() > 1 {
			// Keep later polls slow and empty so the loop idles.
			time.Sleep(50 * time.Millisecond)
			apiOK(w, []any{})
			return
		}
		apiOK(w, []map[string]any{
			{
				"update_id": 7,
				"message": map[string]any{
					"message_id": 100,
					"from":       map[string]any{"id": 9, "username": "alice"},
					"chat":       map[string]any{"id": 4242},
					"text":       "hello bot",
				},
			},
			{
				"update_id": 8,
				"message": map[string]any{
					"message_id": 101,
					"from":       map[string]any{"id": 10, "first_name": "Eve"},
					"chat":       map[string]any{"id": 666},
					"text":       "wrong chat",
				},
			},
		})
	}))
	defer srv.Close()

	pub := newRecordingPublisher()
	ad := newAdapter(t, srv.URL, map[string]any{"inbound_subject": "relay.agent.ops.inbox"})
	if err := ad.Start(pub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-pub.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the inbound publish")
	}
	if err := ad.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	envs := pub.published()
	if len(envs) != 1 {
		t.Fatalf("published %d envelopes, want 1 (foreign chat filtered)", len(envs))
	}
	env := envs[0]
	if env.Subject != "relay.agent.ops.inbox" {
		t.Errorf("subject = %q, want %q", env.Subject, "relay.agent.ops.inbox")
	}
	if env.From != "relay.adapter.tg" {
		t.Errorf("from = %q, want %q", env.From, "relay.adapter.tg")
	}
	var payload struct {
		ChatID int64  `json:"chatId"`
		From   string `json:"from"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if payload.ChatID != 4242 || payload.From != "alice" || payload.Text != "hello bot" {
		t.Errorf("payload = %+v, want chat 4242 from alice", payload)
	}
}

type callCounter struct {
	mu sync.Mutex
	n  int
}

func (c *callCounter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func TestStopUnblocksPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Emulate a long poll with nothing to report.
		time.Sleep(200 * time.Millisecond)
		apiOK(w, []any{})
	}))
	defer srv.Close()

	ad := newAdapter(t, srv.URL, map[string]any{"inbound_subject": "relay.agent.ops.inbox"})
	if err := ad.Start(newRecordingPublisher()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ad.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not unblock the poll loop")
	}
}

func TestTextOf(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload string
		want    string
	}{
		{"object with text", `{"text":"from the field"}`, "from the field"},
		{"bare string", `"just a string"`, "just a string"},
		{"other object", `{"status":"done"}`, `{"status":"done"}`},
		{"empty", ``, "relay.telegram.tg.chat"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := &envelope.Envelope{Subject: "relay.telegram.tg.chat"}
			if tc.payload != "" {
				env.Payload = json.RawMessage(tc.payload)
			}
			if got := textOf(env); got != tc.want {
				t.Errorf("textOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  map[string]any
	}{
		{"missing token", map[string]any{"chat_id": 1}},
		{"missing chat id", map[string]any{"token": "t"}},
		{"chat id wrong type", map[string]any{"token": "t", "chat_id": 1.5}},
		{"bad poll timeout", map[string]any{"token": "t", "chat_id": 1, "poll_timeout": "never"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New("tg", tc.cfg); err == nil {
				t.Error("New accepted a broken config")
			}
		})
	}
}

func TestChannelNameChatID(t *testing.T) {
	ad, err := New("tg", map[string]any{"token": "t", "chat_id": "@announcements"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tg := ad.(*Adapter)
	if tg.chatID != "@announcements" {
		t.Errorf("chatID = %v, want @announcements", tg.chatID)
	}
	if tg.chatNo != 0 {
		t.Errorf("chatNo = %d, want 0 for a named chat", tg.chatNo)
	}
}
