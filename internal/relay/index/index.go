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

// Package index maintains the queryable view of relay state: one row per
// (message, endpoint) delivery, the set of registered endpoints, and the
// access rule table. The maildir tree remains the source of truth for
// message bodies; the index exists so that status queries and metrics do
// not require walking directories.
package index

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dorklabs/dork/internal/sqlite"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("index: not found")

// Status is the delivery state of a message on one endpoint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is one delivery row. The same envelope ID appears once per
// endpoint it was fanned out to, so the primary key is (id, endpoint_hash).
type Message struct {
	ID           string
	Subject      string
	EndpointHash string
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero when the envelope carried no TTL
	FailedAt     time.Time // zero unless Status is failed
}

// Endpoint is a registered mailbox owner.
type Endpoint struct {
	Subject      string
	Hash         string
	RegisteredAt time.Time
}

// Rule is one access control entry. Patterns use the same wildcard
// grammar as subscriptions.
type Rule struct {
	ID          int64
	FromPattern string
	ToPattern   string
	Action      string // "allow" or "deny"
	Priority    int
}

var migrations = []string{
	`CREATE TABLE messages (
		id            TEXT NOT NULL,
		subject       TEXT NOT NULL,
		endpoint_hash TEXT NOT NULL,
		status        TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER,
		failed_at     INTEGER,
		PRIMARY KEY (id, endpoint_hash)
	);
	CREATE INDEX messages_subject ON messages (subject, id);
	CREATE INDEX messages_endpoint_status ON messages (endpoint_hash, status);

	CREATE TABLE endpoints (
		hash          TEXT PRIMARY KEY,
		subject       TEXT NOT NULL UNIQUE,
		registered_at INTEGER NOT NULL
	);

	CREATE TABLE access_rules (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		from_pattern TEXT NOT NULL,
		to_pattern   TEXT NOT NULL,
		action       TEXT NOT NULL,
		priority     INTEGER NOT NULL DEFAULT 0
	);`,
}

// Index is safe for concurrent use. The underlying pool is capped at one
// connection, so writes serialize in the driver rather than failing with
// SQLITE_BUSY under contention.
type Index struct {
	db *sql.DB

	insertMsg    *sql.Stmt
	setStatus    *sql.Stmt
	deleteMsg    *sql.Stmt
	upsertEndpt  *sql.Stmt
	deleteEndpt  *sql.Stmt
	insertRule   *sql.Stmt
	deleteRuleBy *sql.Stmt
}

// Open opens or creates the index database at path and applies pending
// schema migrations.
func Open(ctx context.Context, path string) (*Index, error) {
	db, err := sqlite.Open(ctx, path, migrations)
	if err != nil {
		return nil, err
	}
	ix := &Index{db: db}
	if err := ix.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) prepare(ctx context.Context) error {
	for _, p := range []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&ix.insertMsg, `INSERT INTO messages (id, subject, endpoint_hash, status, created_at, expires_at, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id, endpoint_hash) DO NOTHING`},
		{&ix.setStatus, `UPDATE messages SET status = ?, failed_at = ? WHERE id = ? AND endpoint_hash = ?`},
		{&ix.deleteMsg, `DELETE FROM messages WHERE id = ? AND endpoint_hash = ?`},
		{&ix.upsertEndpt, `INSERT INTO endpoints (hash, subject, registered_at) VALUES (?, ?, ?)
			ON CONFLICT (hash) DO UPDATE SET subject = excluded.subject`},
		{&ix.deleteEndpt, `DELETE FROM endpoints WHERE hash = ?`},
		{&ix.insertRule, `INSERT INTO access_rules (from_pattern, to_pattern, action, priority) VALUES (?, ?, ?, ?)`},
		{&ix.deleteRuleBy, `DELETE FROM access_rules WHERE from_pattern = ? AND to_pattern = ?`},
	} {
		stmt, err := ix.db.PrepareContext(ctx, p.sql)
		if err != nil {
			return err
		}
		*p.stmt = stmt
	}
	return nil
}

// Close releases prepared statements and the database handle.
func (ix *Index) Close() error {
	for _, stmt := range []*sql.Stmt{
		ix.insertMsg, ix.setStatus, ix.deleteMsg,
		ix.upsertEndpt, ix.deleteEndpt, ix.insertRule, ix.deleteRuleBy,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return ix.db.Close()
}

// millis converts a time to the integer column representation. The zero
// time maps to NULL so that "no TTL" and "not failed" stay queryable.
func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
