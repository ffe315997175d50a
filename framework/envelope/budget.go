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

package envelope

import (
	"time"

	"github.com/dorklabs/dork/framework/exterrors"
)

// Budget bounds the lifetime and fan-out of an envelope. HopCount only
// grows, CallBudgetRemaining only shrinks and AncestorChain gains at most
// one entry per accepted hop.
type Budget struct {
	HopCount int `json:"hopCount"`
	// MaxHops rejects the envelope once HopCount reaches it. Zero means
	// no hop limit.
	MaxHops       int      `json:"maxHops,omitempty"`
	AncestorChain []string `json:"ancestorChain"`
	// TTL is the absolute expiry as milliseconds since the Unix epoch.
	// Zero means no expiry.
	TTL int64 `json:"ttl,omitempty"`
	// CallBudgetRemaining is decremented on each hop. A non-positive value
	// rejects the envelope.
	CallBudgetRemaining int `json:"callBudgetRemaining"`
}

// Expired reports whether the budget TTL has passed at the given instant.
func (b *Budget) Expired(now time.Time) bool {
	return b.TTL > 0 && now.UnixMilli() > b.TTL
}

// Charge returns a copy of b advanced by one hop: the hop counter is
// incremented, the call budget decremented and from is united into the
// ancestor chain.
func (b Budget) Charge(from string) Budget {
	next := b
	next.HopCount++
	next.CallBudgetRemaining--

	chain := make([]string, 0, len(b.AncestorChain)+1)
	chain = append(chain, b.AncestorChain...)
	seen := false
	for _, ancestor := range chain {
		if ancestor == from {
			seen = true
			break
		}
	}
	if from != "" && !seen {
		chain = append(chain, from)
	}
	next.AncestorChain = chain
	return next
}

// Enforce decides whether env may be delivered to targetSubject and returns
// the budget to stamp on the delivered copy. The rules apply in a fixed
// order: TTL expiry, hop limit, call budget, cycle detection. An envelope
// without a budget is unbudgeted and always passes with no updated budget.
//
// Enforce is a pure function: it never mutates env.
func Enforce(env *Envelope, targetSubject string, now time.Time) (*Budget, *exterrors.RejectError) {
	b := env.Budget
	if b == nil {
		return nil, nil
	}

	if b.Expired(now) {
		return nil, exterrors.Reject(exterrors.ReasonTTLExpired)
	}
	if b.MaxHops > 0 && b.HopCount >= b.MaxHops {
		return nil, exterrors.Reject(exterrors.ReasonHopLimit)
	}
	if b.CallBudgetRemaining <= 0 {
		return nil, exterrors.Reject(exterrors.ReasonBudgetExhausted)
	}
	for _, ancestor := range b.AncestorChain {
		if ancestor == targetSubject {
			return nil, exterrors.Reject(exterrors.ReasonCycleDetected)
		}
	}

	next := b.Charge(env.From)
	return &next, nil
}
