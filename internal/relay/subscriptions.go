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

package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dorklabs/dork/framework/module"
	"github.com/dorklabs/dork/internal/relay/subject"
)

type subscription struct {
	token   string
	pattern string
	handler module.Handler
}

// subscriptions is the in-process consumer registry. Handlers are kept in
// registration order; Matching snapshots them so dispatch never runs under
// the lock.
type subscriptions struct {
	mu   sync.RWMutex
	subs []subscription
}

func (s *subscriptions) Add(pattern string, h module.Handler) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.subs = append(s.subs, subscription{token: token, pattern: pattern, handler: h})
	s.mu.Unlock()
	return token
}

func (s *subscriptions) Remove(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.token == token {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Matching returns the handlers whose pattern matches the endpoint subject,
// in registration order.
func (s *subscriptions) Matching(endpointSubject string) []module.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []module.Handler
	for _, sub := range s.subs {
		if subject.Match(sub.pattern, endpointSubject) {
			out = append(out, sub.handler)
		}
	}
	return out
}

func (s *subscriptions) HasMatching(endpointSubject string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if subject.Match(sub.pattern, endpointSubject) {
			return true
		}
	}
	return false
}

func (s *subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
