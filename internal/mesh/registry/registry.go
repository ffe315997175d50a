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

// Package registry persists the set of known agents. Each row pairs a
// manifest with the project directory it was found in and the agent's
// last observed activity. The manifest file on disk stays the source of
// truth for manifest contents; the registry exists so that listing,
// topology and health queries do not require rescanning the filesystem.
//
// Health is derived from lastSeenAt at query time, never stored, so a
// threshold change in config takes effect without touching rows.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dorklabs/dork/internal/mesh/manifest"
	"github.com/dorklabs/dork/internal/sqlite"
)

// ErrNotFound is returned by lookups for agents that do not exist.
var ErrNotFound = errors.New("registry: agent not found")

// Health is the derived activity status of an agent.
type Health string

const (
	HealthActive   Health = "active"
	HealthInactive Health = "inactive"
	HealthStale    Health = "stale"
)

// Thresholds split the time since an agent was last seen into health
// buckets. An agent never seen at all is stale.
type Thresholds struct {
	ActiveWithin   time.Duration
	InactiveWithin time.Duration
}

// Entry is one registered agent. The effective namespace lives on the
// manifest; registration stamps it there before the row is written.
type Entry struct {
	Manifest      manifest.Manifest
	ProjectPath   string // absolute project directory, unique per agent
	ScanRoot      string // scan root the project was discovered under
	LastSeenAt    time.Time
	LastSeenEvent string
	Unreachable   bool // project directory vanished since registration
}

// Health derives the activity status of the entry at the given instant.
func (e Entry) Health(now time.Time, t Thresholds) Health {
	if e.LastSeenAt.IsZero() {
		return HealthStale
	}
	age := now.Sub(e.LastSeenAt)
	switch {
	case age <= t.ActiveWithin:
		return HealthActive
	case age <= t.InactiveWithin:
		return HealthInactive
	default:
		return HealthStale
	}
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Namespace  string
	Runtime    string
	Capability string
}

// Stats is the aggregate view served by the status CLI.
type Stats struct {
	Total       int
	ByNamespace map[string]int
	ByRuntime   map[string]int
	ByHealth    map[Health]int
	Unreachable int
}

var migrations = []string{
	`CREATE TABLE agents (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		runtime         TEXT NOT NULL DEFAULT '',
		capabilities    TEXT NOT NULL DEFAULT '[]',
		response_mode   TEXT NOT NULL DEFAULT '',
		max_hops        INTEGER NOT NULL DEFAULT 0,
		max_calls_hour  INTEGER NOT NULL DEFAULT 0,
		namespace       TEXT NOT NULL,
		project_path    TEXT NOT NULL UNIQUE,
		scan_root       TEXT NOT NULL DEFAULT '',
		registered_at   INTEGER,
		registered_by   TEXT NOT NULL DEFAULT '',
		last_seen_at    INTEGER,
		last_seen_event TEXT NOT NULL DEFAULT '',
		unreachable     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX agents_namespace ON agents (namespace);`,
}

// Registry is safe for concurrent use. Like the relay index, the pool
// is capped at one connection so writers serialize in the driver.
type Registry struct {
	db *sql.DB
}

// Open opens or creates the registry database at path and applies
// pending schema migrations.
func Open(ctx context.Context, path string) (*Registry, error) {
	db, err := sqlite.Open(ctx, path, migrations)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

const entryColumns = `id, name, description, runtime, capabilities, response_mode,
	max_hops, max_calls_hour, namespace, project_path, scan_root,
	registered_at, registered_by, last_seen_at, last_seen_event, unreachable`

// Upsert inserts or refreshes an agent row. A conflict on id replaces
// the manifest-derived fields and clears the unreachable flag but keeps
// registered_at and registered_by from the first registration. A row at
// the same projectPath under a different id is removed first: a project
// directory hosts at most one agent.
func (r *Registry) Upsert(ctx context.Context, e Entry) error {
	m := e.Manifest
	switch {
	case m.ID == "":
		return fmt.Errorf("registry: upsert: empty agent id")
	case m.Namespace == "":
		return fmt.Errorf("registry: upsert %s: empty namespace", m.ID)
	case e.ProjectPath == "":
		return fmt.Errorf("registry: upsert %s: empty project path", m.ID)
	}
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", m.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", m.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agents WHERE project_path = ? AND id <> ?`,
		e.ProjectPath, m.ID); err != nil {
		return fmt.Errorf("registry: upsert %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agents
		(id, name, description, runtime, capabilities, response_mode,
		 max_hops, max_calls_hour, namespace, project_path, scan_root,
		 registered_at, registered_by, last_seen_at, last_seen_event, unreachable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			runtime = excluded.runtime,
			capabilities = excluded.capabilities,
			response_mode = excluded.response_mode,
			max_hops = excluded.max_hops,
			max_calls_hour = excluded.max_calls_hour,
			namespace = excluded.namespace,
			project_path = excluded.project_path,
			scan_root = excluded.scan_root,
			unreachable = 0`,
		m.ID, m.Name, m.Description, m.Runtime, string(caps), m.Behavior.ResponseMode,
		m.Budget.MaxHopsPerMessage, m.Budget.MaxCallsPerHour, m.Namespace,
		e.ProjectPath, e.ScanRoot, millis(m.RegisteredAt), m.RegisteredBy,
		millis(e.LastSeenAt), e.LastSeenEvent); err != nil {
		return fmt.Errorf("registry: upsert %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: upsert %s: %w", m.ID, err)
	}
	return nil
}

// Get fetches one agent by id.
func (r *Registry) Get(ctx context.Context, id string) (Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM agents WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return e, nil
}

// GetByPath fetches the agent registered at a project directory.
func (r *Registry) GetByPath(ctx context.Context, projectPath string) (Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM agents WHERE project_path = ?`, projectPath)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("registry: get by path %s: %w", projectPath, err)
	}
	return e, nil
}

// GetWithHealth fetches one agent and derives its health at now.
func (r *Registry) GetWithHealth(ctx context.Context, id string, now time.Time, t Thresholds) (Entry, Health, error) {
	e, err := r.Get(ctx, id)
	if err != nil {
		return Entry{}, "", err
	}
	return e, e.Health(now, t), nil
}

// List returns agents matching the filter, ordered by namespace then
// name. Capability matching happens after the scan; capabilities are
// stored as a JSON array, not a column.
func (r *Registry) List(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM agents`
	var (
		where []string
		args  []any
	)
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if f.Runtime != "" {
		where = append(where, "runtime = ?")
		args = append(args, f.Runtime)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY namespace, name, id"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		if f.Capability != "" && !hasCapability(e.Manifest.Capabilities, f.Capability) {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return out, nil
}

// ListByNamespace returns all agents in one namespace.
func (r *Registry) ListByNamespace(ctx context.Context, ns string) ([]Entry, error) {
	return r.List(ctx, Filter{Namespace: ns})
}

// Namespaces returns the distinct namespaces with at least one agent.
func (r *Registry) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM agents ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("registry: namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("registry: namespaces: %w", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: namespaces: %w", err)
	}
	return out, nil
}

// CountByNamespace returns the number of agents in one namespace.
func (r *Registry) CountByNamespace(ctx context.Context, ns string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE namespace = ?`, ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: count namespace %s: %w", ns, err)
	}
	return n, nil
}

// ListUnreachableBefore returns unreachable agents not seen since the
// cutoff, the candidates a purge pass would remove.
func (r *Registry) ListUnreachableBefore(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM agents
		WHERE unreachable = 1 AND (last_seen_at IS NULL OR last_seen_at < ?)
		ORDER BY namespace, name, id`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("registry: list unreachable: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list unreachable: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list unreachable: %w", err)
	}
	return out, nil
}

// UpdateHealth stamps the last observed activity of an agent. It never
// touches the unreachable flag; reachability tracks the project
// directory, not message traffic.
func (r *Registry) UpdateHealth(ctx context.Context, id string, seenAt time.Time, event string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ?, last_seen_event = ? WHERE id = ?`,
		seenAt.UnixMilli(), event, id)
	if err != nil {
		return fmt.Errorf("registry: update health %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: update health %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUnreachable flags an agent whose project directory is gone.
func (r *Registry) MarkUnreachable(ctx context.Context, id string) error {
	return r.setUnreachable(ctx, id, 1)
}

// MarkReachable clears the flag once the directory is back.
func (r *Registry) MarkReachable(ctx context.Context, id string) error {
	return r.setUnreachable(ctx, id, 0)
}

func (r *Registry) setUnreachable(ctx context.Context, id string, flag int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET unreachable = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("registry: mark unreachable %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: mark unreachable %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one agent row.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AggregateStats rolls up the whole table by namespace, runtime and
// derived health.
func (r *Registry) AggregateStats(ctx context.Context, now time.Time, t Thresholds) (Stats, error) {
	stats := Stats{
		ByNamespace: map[string]int{},
		ByRuntime:   map[string]int{},
		ByHealth:    map[Health]int{},
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT namespace, runtime, last_seen_at, unreachable FROM agents`)
	if err != nil {
		return Stats{}, fmt.Errorf("registry: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ns, runtime string
			lastSeen    sql.NullInt64
			unreachable int
		)
		if err := rows.Scan(&ns, &runtime, &lastSeen, &unreachable); err != nil {
			return Stats{}, fmt.Errorf("registry: stats: %w", err)
		}
		stats.Total++
		stats.ByNamespace[ns]++
		stats.ByRuntime[runtime]++
		stats.ByHealth[Entry{LastSeenAt: fromMillis(lastSeen)}.Health(now, t)]++
		if unreachable != 0 {
			stats.Unreachable++
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("registry: stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e            Entry
		caps         string
		registeredAt sql.NullInt64
		lastSeenAt   sql.NullInt64
		unreachable  int
	)
	m := &e.Manifest
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Runtime, &caps,
		&m.Behavior.ResponseMode, &m.Budget.MaxHopsPerMessage, &m.Budget.MaxCallsPerHour,
		&m.Namespace, &e.ProjectPath, &e.ScanRoot,
		&registeredAt, &m.RegisteredBy, &lastSeenAt, &e.LastSeenEvent, &unreachable); err != nil {
		return Entry{}, err
	}
	if caps != "" && caps != "null" {
		if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
			return Entry{}, fmt.Errorf("capabilities of %s: %w", m.ID, err)
		}
	}
	m.RegisteredAt = fromMillis(registeredAt)
	e.LastSeenAt = fromMillis(lastSeenAt)
	e.Unreachable = unreachable != 0
	return e, nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// millis converts a time to the integer column representation. The zero
// time maps to NULL so "never seen" stays queryable.
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
