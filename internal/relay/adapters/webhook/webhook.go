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

// Package webhook implements the builtin webhook adapter: outbound envelopes
// are POSTed as JSON to a configured URL.
//
// When a secret is configured each request carries an HMAC-SHA256 signature
// of the body:
//
//	X-Dork-Signature-256: sha256=<lowercase hex>
//
// which receivers verify the same way GitHub-style webhook consumers do.
//
// Config keys: url (required), secret, subject_prefix, display_name,
// timeout.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/adapters"
)

// SignatureHeader carries the HMAC-SHA256 request signature.
const SignatureHeader = "X-Dork-Signature-256"

const defaultTimeout = 10 * time.Second

// Error bodies are useful in logs but unbounded ones are not.
const maxErrorBody = 1024

type Adapter struct {
	id          string
	url         string
	secret      []byte
	prefix      string
	displayName string

	client *http.Client

	running   atomic.Bool
	delivered atomic.Int64
	failed    atomic.Int64
}

func init() {
	module.Register("webhook", New)
	module.RegisterManifest("webhook", func() module.AdapterManifest {
		return module.AdapterManifest{
			ID:          "webhook",
			DisplayName: "Webhook",
			Description: "POSTs envelopes as JSON to an HTTP endpoint, optionally HMAC-signed.",
		}
	})
}

// New constructs a webhook adapter from its raw config block.
func New(id string, cfg map[string]any) (module.Adapter, error) {
	url, err := adapters.String(cfg, "url", "")
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", id, err)
	}
	if url == "" {
		return nil, fmt.Errorf("webhook %s: url is required", id)
	}
	secret, err := adapters.String(cfg, "secret", "")
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", id, err)
	}
	prefix, err := adapters.String(cfg, "subject_prefix", "relay.webhook."+id+".")
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", id, err)
	}
	displayName, err := adapters.String(cfg, "display_name", "Webhook "+id)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", id, err)
	}
	timeout, err := adapters.Duration(cfg, "timeout", defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", id, err)
	}

	a := &Adapter{
		id:          id,
		url:         url,
		prefix:      prefix,
		displayName: displayName,
		client:      &http.Client{Timeout: timeout},
	}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a, nil
}

func (a *Adapter) ID() string            { return a.id }
func (a *Adapter) SubjectPrefix() string { return a.prefix }
func (a *Adapter) DisplayName() string   { return a.displayName }

// Start is trivial: the webhook adapter is outbound only and never uses the
// publisher.
func (a *Adapter) Start(module.Publisher) error {
	a.running.Store(true)
	return nil
}

func (a *Adapter) Stop() error {
	a.running.Store(false)
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) Deliver(ctx context.Context, subj string, env *envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != nil {
		req.Header.Set(SignatureHeader, Sign(a.secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.failed.Add(1)
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if len(detail) > 0 {
			return fmt.Errorf("webhook: %s responded %d: %s", a.url, resp.StatusCode, detail)
		}
		return fmt.Errorf("webhook: %s responded %d", a.url, resp.StatusCode)
	}

	a.delivered.Add(1)
	return nil
}

func (a *Adapter) Status() module.AdapterStatus {
	return module.AdapterStatus{
		Running: a.running.Load(),
		Detail: map[string]any{
			"url":       a.url,
			"signed":    a.secret != nil,
			"delivered": a.delivered.Load(),
			"failed":    a.failed.Load(),
		},
	}
}

// Sign computes the signature header value for a request body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against a body. Receivers embedding
// the bus can use it on their side of the hook.
func Verify(secret, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return errors.New("webhook: malformed signature header")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return errors.New("webhook: malformed signature header")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("webhook: signature mismatch")
	}
	return nil
}
