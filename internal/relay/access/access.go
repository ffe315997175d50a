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

// Package access decides whether a sender may reach a target endpoint.
// Rules are pattern pairs with a priority; the highest-priority matching
// rule wins and a deny outranks an allow of equal priority. Without a
// matching rule, traffic inside one namespace passes and traffic between
// two known namespaces does not.
package access

import (
	"sort"
	"sync"

	"github.com/dorklabs/dork/internal/relay/subject"
)

// Action is what a matching rule does to the message.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule matches sender and target subjects with the subscription wildcard
// grammar.
type Rule struct {
	From     string
	To       string
	Action   Action
	Priority int
}

// Evaluator holds the active rule set. It is safe for concurrent use;
// Replace swaps the whole set atomically on config reload.
type Evaluator struct {
	mu    sync.RWMutex
	rules []Rule // sorted: priority desc, deny before allow on ties
}

func NewEvaluator(rules []Rule) *Evaluator {
	e := &Evaluator{}
	e.Replace(rules)
	return e
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Action == ActionDeny && rules[j].Action == ActionAllow
	})
}

// Replace swaps the active rule set.
func (e *Evaluator) Replace(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sortRules(sorted)

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Add inserts one rule.
func (e *Evaluator) Add(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sortRules(e.rules)
}

// Remove drops every rule with the given pattern pair and reports how
// many were removed.
func (e *Evaluator) Remove(from, to string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.rules[:0]
	removed := 0
	for _, r := range e.rules {
		if r.From == from && r.To == to {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	e.rules = kept
	return removed
}

// Rules returns a copy of the active set in evaluation order.
func (e *Evaluator) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Allowed reports whether from may publish to the target subject.
func (e *Evaluator) Allowed(from, to string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if subject.Match(r.From, from) && subject.Match(r.To, to) {
			return r.Action == ActionAllow
		}
	}

	// Crossing between two known namespaces requires an explicit allow.
	// Subjects outside the agent prefix have no namespace and pass.
	fromNS := subject.Namespace(from)
	toNS := subject.Namespace(to)
	if fromNS != "" && toNS != "" && fromNS != toNS {
		return false
	}
	return true
}
