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

// Package telegram implements the builtin Telegram adapter. Outbound
// envelopes become sendMessage calls against the Bot API; when an inbound
// subject is configured a getUpdates long-poll loop publishes chat messages
// back into the bus.
//
// Config keys: token (required), chat_id (required, integer id or @channel
// name), inbound_subject, subject_prefix, display_name, api_url, timeout,
// poll_timeout.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/adapters"
)

const (
	defaultAPIURL      = "https://api.telegram.org"
	defaultTimeout     = 10 * time.Second
	defaultPollTimeout = 30 * time.Second
)

type Adapter struct {
	id          string
	prefix      string
	displayName string

	token  string
	chatID any   // int64 or "@channel"
	chatNo int64 // numeric form, 0 when chatID is a name

	apiURL      string
	timeout     time.Duration
	pollTimeout time.Duration

	inboundSubject string

	client     *http.Client
	log        log.Logger
	running    atomic.Bool
	pollCtx    context.Context
	pollCancel context.CancelFunc
	done       chan struct{}
}

func init() {
	module.Register("telegram", New)
	module.RegisterManifest("telegram", func() module.AdapterManifest {
		return module.AdapterManifest{
			ID:          "telegram",
			DisplayName: "Telegram",
			Description: "Bridges a Telegram chat over the Bot API.",
		}
	})
}

// New constructs a Telegram adapter from its raw config block.
func New(id string, cfg map[string]any) (module.Adapter, error) {
	token, err := adapters.String(cfg, "token", "")
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}
	if token == "" {
		return nil, fmt.Errorf("telegram %s: token is required", id)
	}

	a := &Adapter{
		id:    id,
		token: token,
		log:   log.Logger{Name: "telegram/" + id},
	}

	switch v := cfg["chat_id"].(type) {
	case nil:
		return nil, fmt.Errorf("telegram %s: chat_id is required", id)
	case string:
		a.chatID = v
	case int:
		a.chatID = int64(v)
		a.chatNo = int64(v)
	case int64:
		a.chatID = v
		a.chatNo = v
	default:
		return nil, fmt.Errorf("telegram %s: chat_id: expected an integer or a string, got %T", id, v)
	}

	if a.prefix, err = adapters.String(cfg, "subject_prefix", "relay.telegram."+id+"."); err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}
	if a.displayName, err = adapters.String(cfg, "display_name", "Telegram "+id); err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}
	if a.apiURL, err = adapters.String(cfg, "api_url", defaultAPIURL); err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}
	if a.inboundSubject, err = adapters.String(cfg, "inbound_subject", ""); err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}
	if a.timeout, err = adapters.Duration(cfg, "timeout", defaultTimeout); err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}
	if a.pollTimeout, err = adapters.Duration(cfg, "poll_timeout", defaultPollTimeout); err != nil {
		return nil, fmt.Errorf("telegram %s: %w", id, err)
	}

	// Long polls outlive any sane client timeout, so deadlines are applied
	// per call instead.
	a.client = &http.Client{}
	return a, nil
}

func (a *Adapter) ID() string            { return a.id }
func (a *Adapter) SubjectPrefix() string { return a.prefix }
func (a *Adapter) DisplayName() string   { return a.displayName }

func (a *Adapter) Start(pub module.Publisher) error {
	a.pollCtx, a.pollCancel = context.WithCancel(context.Background())
	a.running.Store(true)
	if a.inboundSubject != "" {
		a.done = make(chan struct{})
		go a.poll(pub)
	}
	return nil
}

func (a *Adapter) Stop() error {
	a.running.Store(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.done != nil {
		<-a.done
	}
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) Deliver(ctx context.Context, subj string, env *envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := map[string]any{
		"chat_id": a.chatID,
		"text":    textOf(env),
	}
	if err := a.call(ctx, "sendMessage", req, nil); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (a *Adapter) Status() module.AdapterStatus {
	return module.AdapterStatus{
		Running: a.running.Load(),
		Detail: map[string]any{
			"chatId":  a.chatID,
			"inbound": a.inboundSubject != "",
		},
	}
}

// textOf extracts the human-readable message body from an envelope: a
// payload object's text field, a bare JSON string, or the raw payload.
func textOf(env *envelope.Envelope) string {
	if len(env.Payload) == 0 {
		return env.Subject
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(env.Payload, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	var s string
	if err := json.Unmarshal(env.Payload, &s); err == nil && s != "" {
		return s
	}
	return string(env.Payload)
}

// --- Bot API plumbing ---

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from"`
	Chat      chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

type user struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type chat struct {
	ID int64 `json:"id"`
}

func (a *Adapter) call(ctx context.Context, method string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiURL+"/bot"+a.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("%s: status %d: %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		if apiResp.Description != "" {
			return fmt.Errorf("%s: %s", method, apiResp.Description)
		}
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

func (a *Adapter) getUpdates(offset int64) ([]update, error) {
	// The deadline leaves the server room to complete the long poll.
	ctx, cancel := context.WithTimeout(a.pollCtx, a.pollTimeout+10*time.Second)
	defer cancel()

	req := map[string]any{
		"offset":          offset,
		"timeout":         int(a.pollTimeout / time.Second),
		"allowed_updates": []string{"message"},
	}
	var updates []update
	if err := a.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// poll runs the inbound loop. Transient Bot API failures back off
// exponentially instead of killing the loop and leaving the adapter deaf.
func (a *Adapter) poll(pub module.Publisher) {
	defer close(a.done)

	const (
		backoffMin = 2 * time.Second
		backoffMax = time.Minute
	)
	backoff := backoffMin
	var offset int64
	for {
		updates, err := a.getUpdates(offset)
		if err != nil {
			if a.pollCtx.Err() != nil {
				return
			}
			a.log.Error("getUpdates failed, backing off", err, "backoff", backoff.String())
			select {
			case <-a.pollCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffMin

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			a.publishUpdate(pub, u)
		}
	}
}

func (a *Adapter) publishUpdate(pub module.Publisher, u update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}
	// A bot can sit in chats beyond the configured one; those stay out of
	// the bus.
	if a.chatNo != 0 && msg.Chat.ID != a.chatNo {
		return
	}

	from := ""
	if msg.From != nil {
		from = msg.From.Username
		if from == "" {
			from = msg.From.FirstName
		}
	}
	payload, err := json.Marshal(map[string]any{
		"chatId":    msg.Chat.ID,
		"messageId": msg.MessageID,
		"from":      from,
		"text":      msg.Text,
	})
	if err != nil {
		a.log.Error("inbound message dropped", err, "chat", msg.Chat.ID)
		return
	}

	env := &envelope.Envelope{
		Subject: a.inboundSubject,
		From:    "relay.adapter." + a.id,
		Payload: payload,
	}
	ctx, cancel := context.WithTimeout(a.pollCtx, a.timeout)
	defer cancel()
	if _, err := pub.Publish(ctx, env); err != nil {
		a.log.Error("inbound publish failed", err, "chat", msg.Chat.ID)
	}
}
