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

// Package subject implements matching of dot-segmented routing keys against
// patterns with NATS-style wildcards: '*' matches exactly one segment, '>'
// matches one or more trailing segments and is only valid as the last
// segment. Matching is case-sensitive.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	wildcardOne  = "*"
	wildcardTail = ">"

	// agentPrefix roots every mesh-managed endpoint subject. The segment
	// that follows it is the namespace.
	agentPrefix = "relay.agent."
)

// Match reports whether subject is matched by pattern. Subjects containing
// wildcard segments never match anything.
func Match(pattern, subj string) bool {
	if pattern == "" || subj == "" {
		return false
	}

	subjSegs := strings.Split(subj, ".")
	for _, seg := range subjSegs {
		if seg == "" || seg == wildcardOne || seg == wildcardTail {
			return false
		}
	}

	patSegs := strings.Split(pattern, ".")
	for i, seg := range patSegs {
		switch seg {
		case wildcardTail:
			if i != len(patSegs)-1 {
				return false
			}
			// One or more remaining subject segments.
			return len(subjSegs) > i
		case wildcardOne:
			if i >= len(subjSegs) {
				return false
			}
		case "":
			return false
		default:
			if i >= len(subjSegs) || subjSegs[i] != seg {
				return false
			}
		}
	}
	return len(patSegs) == len(subjSegs)
}

// Validate checks a concrete subject: it must be non-empty, contain no empty
// segments and no wildcards.
func Validate(subj string) error {
	if subj == "" {
		return errors.New("subject: empty subject")
	}
	for _, seg := range strings.Split(subj, ".") {
		switch seg {
		case "":
			return fmt.Errorf("subject: empty segment in %q", subj)
		case wildcardOne, wildcardTail:
			return fmt.Errorf("subject: wildcard %q not allowed in a concrete subject", seg)
		}
	}
	return nil
}

// ValidatePattern checks a match pattern: it must be non-empty, contain no
// empty segments and may use '>' only as the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errors.New("subject: empty pattern")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		switch seg {
		case "":
			return fmt.Errorf("subject: empty segment in pattern %q", pattern)
		case wildcardTail:
			if i != len(segs)-1 {
				return fmt.Errorf("subject: '>' must be the last segment in pattern %q", pattern)
			}
		}
	}
	return nil
}

// Hash returns the stable short identifier of a subject used as its mailbox
// directory name: the first 16 hex characters of its SHA-256.
func Hash(subj string) string {
	sum := sha256.Sum256([]byte(subj))
	return hex.EncodeToString(sum[:8])
}

// Namespace extracts the namespace from an agent endpoint subject
// (relay.agent.<namespace>...). It returns "" for subjects outside the agent
// hierarchy; such subjects are not bound to any namespace.
func Namespace(subj string) string {
	rest, ok := strings.CutPrefix(subj, agentPrefix)
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// ForAgent composes the endpoint subject owned by an agent.
func ForAgent(namespace, agentID string) string {
	return agentPrefix + namespace + "." + agentID
}

// ForNamespace returns the pattern covering every subject in a namespace.
func ForNamespace(namespace string) string {
	return agentPrefix + namespace + "." + wildcardTail
}
