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
	"fmt"
	"time"
)

// UpsertEndpoint records a registered endpoint. Registration is
// idempotent: re-registering an existing hash keeps the original
// registered_at stamp.
func (ix *Index) UpsertEndpoint(ctx context.Context, subject, hash string) error {
	_, err := ix.upsertEndpt.ExecContext(ctx, hash, subject, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("index: upsert endpoint %s: %w", subject, err)
	}
	return nil
}

// DeleteEndpoint removes an endpoint row. Delivery rows for the endpoint
// are left in place; history outlives registration.
func (ix *Index) DeleteEndpoint(ctx context.Context, hash string) error {
	res, err := ix.deleteEndpt.ExecContext(ctx, hash)
	if err != nil {
		return fmt.Errorf("index: delete endpoint %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: delete endpoint %s: %w", hash, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEndpoints returns all registered endpoints ordered by subject.
func (ix *Index) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT subject, hash, registered_at FROM endpoints ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("index: list endpoints: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var (
			e  Endpoint
			at int64
		)
		if err := rows.Scan(&e.Subject, &e.Hash, &at); err != nil {
			return nil, fmt.Errorf("index: list endpoints: %w", err)
		}
		e.RegisteredAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
