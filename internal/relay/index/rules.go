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
)

// AddRule appends an access rule and returns its row ID.
func (ix *Index) AddRule(ctx context.Context, r Rule) (int64, error) {
	res, err := ix.insertRule.ExecContext(ctx, r.FromPattern, r.ToPattern, r.Action, r.Priority)
	if err != nil {
		return 0, fmt.Errorf("index: add rule %s -> %s: %w", r.FromPattern, r.ToPattern, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("index: add rule %s -> %s: %w", r.FromPattern, r.ToPattern, err)
	}
	return id, nil
}

// DeleteRulePair removes every rule with the given pattern pair and
// reports how many rows went away.
func (ix *Index) DeleteRulePair(ctx context.Context, fromPattern, toPattern string) (int64, error) {
	res, err := ix.deleteRuleBy.ExecContext(ctx, fromPattern, toPattern)
	if err != nil {
		return 0, fmt.Errorf("index: delete rule %s -> %s: %w", fromPattern, toPattern, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("index: delete rule %s -> %s: %w", fromPattern, toPattern, err)
	}
	return n, nil
}

// ReplaceRules swaps the whole rule table in one transaction.
func (ix *Index) ReplaceRules(ctx context.Context, rules []Rule) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: replace rules: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM access_rules`); err != nil {
		return fmt.Errorf("index: replace rules: %w", err)
	}
	insert := tx.StmtContext(ctx, ix.insertRule)
	for _, r := range rules {
		if _, err := insert.ExecContext(ctx, r.FromPattern, r.ToPattern, r.Action, r.Priority); err != nil {
			return fmt.Errorf("index: replace rules: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: replace rules: %w", err)
	}
	return nil
}

// ListRules returns all rules ordered the way the evaluator consumes
// them: highest priority first, insertion order within a priority.
func (ix *Index) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, from_pattern, to_pattern, action, priority FROM access_rules
		ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("index: list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.FromPattern, &r.ToPattern, &r.Action, &r.Priority); err != nil {
			return nil, fmt.Errorf("index: list rules: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
