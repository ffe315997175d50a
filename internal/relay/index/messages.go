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

package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InsertMessage records a pending delivery. Re-inserting the same
// (id, endpoint hash) pair is a no-op so that redelivery after a crash
// between the maildir write and the index write stays idempotent.
func (ix *Index) InsertMessage(ctx context.Context, m Message) error {
	status := m.Status
	if status == "" {
		status = StatusPending
	}
	_, err := ix.insertMsg.ExecContext(ctx,
		m.ID, m.Subject, m.EndpointHash, string(status),
		m.CreatedAt.UnixMilli(), millis(m.ExpiresAt), millis(m.FailedAt))
	if err != nil {
		return fmt.Errorf("index: insert message %s: %w", m.ID, err)
	}
	return nil
}

// SetStatus transitions a delivery row. Moving to StatusFailed stamps
// failed_at; any other status clears it.
func (ix *Index) SetStatus(ctx context.Context, id, endpointHash string, status Status) error {
	var failedAt any
	if status == StatusFailed {
		failedAt = time.Now().UnixMilli()
	}
	res, err := ix.setStatus.ExecContext(ctx, string(status), failedAt, id, endpointHash)
	if err != nil {
		return fmt.Errorf("index: set status of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: set status of %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes one delivery row. Deleting an absent row is not
// an error; purges race with completion.
func (ix *Index) DeleteMessage(ctx context.Context, id, endpointHash string) error {
	if _, err := ix.deleteMsg.ExecContext(ctx, id, endpointHash); err != nil {
		return fmt.Errorf("index: delete message %s: %w", id, err)
	}
	return nil
}

// GetMessage fetches one delivery row.
func (ix *Index) GetMessage(ctx context.Context, id, endpointHash string) (Message, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT id, subject, endpoint_hash, status, created_at, expires_at, failed_at
		FROM messages WHERE id = ? AND endpoint_hash = ?`, id, endpointHash)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("index: get message %s: %w", id, err)
	}
	return m, nil
}

// CountPending returns the number of undelivered messages for an endpoint.
// The backpressure gate compares this against the mailbox cap.
func (ix *Index) CountPending(ctx context.Context, endpointHash string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE endpoint_hash = ? AND status = ?`,
		endpointHash, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: count pending for %s: %w", endpointHash, err)
	}
	return n, nil
}

// ListBySubject pages through delivery rows for an exact subject, ordered
// by (id, endpoint_hash). ULIDs sort chronologically, so the order is
// oldest first. An empty cursor starts from the beginning; the returned
// cursor is empty once the listing is exhausted.
func (ix *Index) ListBySubject(ctx context.Context, subj, cursor string, limit int) ([]Message, string, error) {
	return ix.listMessages(ctx, "subject = ?", subj, cursor, limit)
}

// ListByEndpoint pages through delivery rows for one endpoint.
func (ix *Index) ListByEndpoint(ctx context.Context, endpointHash, cursor string, limit int) ([]Message, string, error) {
	return ix.listMessages(ctx, "endpoint_hash = ?", endpointHash, cursor, limit)
}

func (ix *Index) listMessages(ctx context.Context, where, arg, cursor string, limit int) ([]Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	curID, curHash, err := splitCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	rows, err := ix.db.QueryContext(ctx, `SELECT id, subject, endpoint_hash, status, created_at, expires_at, failed_at
		FROM messages
		WHERE `+where+` AND (id > ? OR (id = ? AND endpoint_hash > ?))
		ORDER BY id, endpoint_hash
		LIMIT ?`, arg, curID, curID, curHash, limit)
	if err != nil {
		return nil, "", fmt.Errorf("index: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", fmt.Errorf("index: list messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("index: list messages: %w", err)
	}

	next := ""
	if len(out) == limit {
		last := out[len(out)-1]
		next = last.ID + ":" + last.EndpointHash
	}
	return out, next, nil
}

func splitCursor(cursor string) (id, hash string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	id, hash, ok := strings.Cut(cursor, ":")
	if !ok {
		return "", "", fmt.Errorf("index: malformed cursor %q", cursor)
	}
	return id, hash, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		status    string
		createdAt int64
		expiresAt sql.NullInt64
		failedAt  sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Subject, &m.EndpointHash, &status, &createdAt, &expiresAt, &failedAt); err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.ExpiresAt = fromMillis(expiresAt)
	m.FailedAt = fromMillis(failedAt)
	return m, nil
}

// MetricsSnapshot is the per-status rollup served by the metrics endpoint
// and the status CLI.
type MetricsSnapshot struct {
	Total     int
	Pending   int
	Delivered int
	Failed    int
	Endpoints int
}

// Metrics computes delivery counts by status plus the endpoint count.
func (ix *Index) Metrics(ctx context.Context) (MetricsSnapshot, error) {
	var snap MetricsSnapshot
	rows, err := ix.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return snap, fmt.Errorf("index: metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return snap, fmt.Errorf("index: metrics: %w", err)
		}
		snap.Total += n
		switch Status(status) {
		case StatusPending:
			snap.Pending = n
		case StatusDelivered:
			snap.Delivered = n
		case StatusFailed:
			snap.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("index: metrics: %w", err)
	}
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM endpoints`).Scan(&snap.Endpoints); err != nil {
		return snap, fmt.Errorf("index: metrics: %w", err)
	}
	return snap, nil
}

// PendingByEndpoint returns per-endpoint pending counts, keyed by hash.
func (ix *Index) PendingByEndpoint(ctx context.Context) (map[string]int, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT endpoint_hash, COUNT(*) FROM messages WHERE status = ? GROUP BY endpoint_hash`,
		string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("index: pending by endpoint: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			hash string
			n    int
		)
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, fmt.Errorf("index: pending by endpoint: %w", err)
		}
		out[hash] = n
	}
	return out, rows.Err()
}
