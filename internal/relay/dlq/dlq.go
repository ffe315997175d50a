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

// Package dlq manages dead letters: envelopes that were rejected by the
// pipeline or failed during dispatch. Bodies live in the mailbox
// failed/ directories with a JSON reason sidecar per message; the
// sidecar, not the index row, is the source of truth for why and when a
// message died.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dorklabs/dork/framework/envelope"
	"github.com/dorklabs/dork/framework/log"
	"github.com/dorklabs/dork/internal/relay/index"
	"github.com/dorklabs/dork/internal/relay/maildir"
)

// ReasonUnknown is reported for dead letters whose sidecar is missing or
// unreadable.
const ReasonUnknown = "unknown"

// DeadLetter is the sidecar format and the listing row.
type DeadLetter struct {
	Reason       string             `json:"reason"`
	FailedAt     time.Time          `json:"failedAt"`
	EndpointHash string             `json:"endpointHash"`
	Envelope     *envelope.Envelope `json:"envelope,omitempty"`
}

// Queue coordinates the failed/ directories with the index.
type Queue struct {
	store *maildir.Store
	index *index.Index

	Log log.Logger
}

func New(store *maildir.Store, ix *index.Index) *Queue {
	return &Queue{
		store: store,
		index: ix,
		Log:   log.Logger{Name: "dlq"},
	}
}

func (q *Queue) sidecar(env *envelope.Envelope, endpointHash, reason string, at time.Time) ([]byte, error) {
	return json.Marshal(DeadLetter{
		Reason:       reason,
		FailedAt:     at.UTC(),
		EndpointHash: endpointHash,
		Envelope:     env,
	})
}

// Reject buries an envelope that never reached the mailbox: it is
// written straight into failed/ and indexed as failed. Used for
// pipeline rejections (expired budget, backpressure, open breaker).
func (q *Queue) Reject(ctx context.Context, env *envelope.Envelope, endpointHash, reason string) error {
	now := time.Now()
	side, err := q.sidecar(env, endpointHash, reason, now)
	if err != nil {
		return fmt.Errorf("dlq: reject %s: %w", env.ID, err)
	}
	if err := q.store.Bury(endpointHash, env, side); err != nil {
		return fmt.Errorf("dlq: reject %s: %w", env.ID, err)
	}
	err = q.index.InsertMessage(ctx, index.Message{
		ID:           env.ID,
		Subject:      env.Subject,
		EndpointHash: endpointHash,
		Status:       index.StatusFailed,
		CreatedAt:    env.CreatedAt,
		FailedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("dlq: reject %s: %w", env.ID, err)
	}
	return nil
}

// Fail moves a claimed envelope into failed/ and marks the index row.
// A row already purged from the index is tolerated; the files are what
// matter.
func (q *Queue) Fail(ctx context.Context, env *envelope.Envelope, endpointHash, reason string) error {
	side, err := q.sidecar(env, endpointHash, reason, time.Now())
	if err != nil {
		return fmt.Errorf("dlq: fail %s: %w", env.ID, err)
	}
	if err := q.store.Fail(endpointHash, env.ID, side); err != nil {
		return fmt.Errorf("dlq: fail %s: %w", env.ID, err)
	}
	if err := q.index.SetStatus(ctx, env.ID, endpointHash, index.StatusFailed); err != nil && !errors.Is(err, index.ErrNotFound) {
		return fmt.Errorf("dlq: fail %s: %w", env.ID, err)
	}
	return nil
}

// List returns dead letters, oldest first. An empty endpointHash lists
// every mailbox. Corrupt or missing sidecars degrade to ReasonUnknown
// instead of failing the listing.
func (q *Queue) List(ctx context.Context, endpointHash string) ([]DeadLetter, error) {
	hashes := []string{endpointHash}
	if endpointHash == "" {
		var err error
		hashes, err = q.store.Mailboxes()
		if err != nil {
			return nil, fmt.Errorf("dlq: list: %w", err)
		}
	}

	var out []DeadLetter
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := q.store.ListFailed(hash)
		if err != nil {
			return nil, fmt.Errorf("dlq: list %s: %w", hash, err)
		}
		for _, id := range ids {
			dl, err := q.read(hash, id)
			if err != nil {
				q.Log.Error("unreadable dead letter", err, "endpoint", hash, "id", id)
				continue
			}
			out = append(out, dl)
		}
	}
	return out, nil
}

// Show returns a single dead letter with its envelope body.
func (q *Queue) Show(ctx context.Context, endpointHash, id string) (DeadLetter, error) {
	_ = ctx
	return q.read(endpointHash, id)
}

func (q *Queue) read(hash, id string) (DeadLetter, error) {
	env, side, err := q.store.ReadFailed(hash, id)
	if err != nil {
		return DeadLetter{}, err
	}
	dl := DeadLetter{Reason: ReasonUnknown, EndpointHash: hash}
	if side != nil {
		if err := json.Unmarshal(side, &dl); err != nil {
			q.Log.DebugMsg("corrupt sidecar", "endpoint", hash, "id", id)
			dl = DeadLetter{Reason: ReasonUnknown, EndpointHash: hash}
		}
	}
	// The envelope file is authoritative over the copy in the sidecar.
	dl.Envelope = env
	dl.EndpointHash = hash
	return dl, nil
}

// Purge drops dead letters that failed before the cutoff and reports how
// many were removed. Dead letters without a readable failure time purge
// unconditionally.
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	hashes, err := q.store.Mailboxes()
	if err != nil {
		return 0, fmt.Errorf("dlq: purge: %w", err)
	}

	purged := 0
	for _, hash := range hashes {
		n, err := q.PurgeEndpoint(ctx, hash, olderThan)
		purged += n
		if err != nil {
			return purged, err
		}
	}
	return purged, nil
}

// PurgeEndpoint is Purge limited to one mailbox.
func (q *Queue) PurgeEndpoint(ctx context.Context, endpointHash string, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ids, err := q.store.ListFailed(endpointHash)
	if err != nil {
		return 0, fmt.Errorf("dlq: purge %s: %w", endpointHash, err)
	}

	purged := 0
	for _, id := range ids {
		dl, err := q.read(endpointHash, id)
		if err != nil {
			q.Log.Error("unreadable dead letter", err, "endpoint", endpointHash, "id", id)
			continue
		}
		if !dl.FailedAt.IsZero() && !dl.FailedAt.Before(olderThan) {
			continue
		}
		if err := q.store.Drop(endpointHash, id); err != nil {
			return purged, fmt.Errorf("dlq: purge %s: %w", id, err)
		}
		if err := q.index.DeleteMessage(ctx, id, endpointHash); err != nil {
			return purged, fmt.Errorf("dlq: purge %s: %w", id, err)
		}
		purged++
	}
	return purged, nil
}

// Replay moves a dead letter back into new/ and resets its index row to
// pending. The caller is responsible for waking the endpoint's
// dispatcher.
func (q *Queue) Replay(ctx context.Context, endpointHash, id string) (*envelope.Envelope, error) {
	if err := q.store.Resurrect(endpointHash, id); err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", id, err)
	}
	env, err := q.store.Read(endpointHash, id)
	if err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", id, err)
	}
	if err := q.index.SetStatus(ctx, id, endpointHash, index.StatusPending); err != nil && !errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("dlq: replay %s: %w", id, err)
	}
	return env, nil
}
