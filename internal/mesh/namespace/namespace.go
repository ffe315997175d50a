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

// Package namespace derives the namespace an agent belongs to. An explicit
// manifest namespace wins; otherwise the first directory segment between
// the scan root and the project names the namespace, so a layout like
// ~/work/<team>/<project> groups agents by team.
package namespace

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// MaxLen bounds a normalised namespace.
const MaxLen = 64

// Normalize maps arbitrary user input onto the namespace alphabet:
// lowercase, with every run of non-alphanumeric characters collapsed into
// a single '-' and dashes trimmed from both ends.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Validate checks an already normalised namespace.
func Validate(ns string) error {
	if ns == "" {
		return errors.New("namespace: empty")
	}
	if len(ns) > MaxLen {
		return fmt.Errorf("namespace: %q longer than %d characters", ns, MaxLen)
	}
	for _, r := range ns {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return fmt.Errorf("namespace: %q contains %q", ns, r)
	}
	if strings.HasPrefix(ns, "-") || strings.HasSuffix(ns, "-") {
		return fmt.Errorf("namespace: %q has a leading or trailing dash", ns)
	}
	return nil
}

// Resolve decides the namespace for a project. A non-empty manifest
// namespace is authoritative but, being user authored, is validated
// strictly: junk is an error rather than a silent fallback to the path
// derivation.
func Resolve(projectPath, scanRoot, manifestNS string) (string, error) {
	if manifestNS != "" {
		ns := Normalize(manifestNS)
		if err := Validate(ns); err != nil {
			return "", fmt.Errorf("manifest namespace %q: %w", manifestNS, err)
		}
		return ns, nil
	}

	rel, err := filepath.Rel(scanRoot, projectPath)
	if err != nil {
		return "", fmt.Errorf("namespace: %s is not under scan root %s: %w", projectPath, scanRoot, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", fmt.Errorf("namespace: %s is the scan root itself", projectPath)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("namespace: %s is outside scan root %s", projectPath, scanRoot)
	}

	first := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		first = rel[:i]
	}
	ns := Normalize(first)
	if err := Validate(ns); err != nil {
		return "", fmt.Errorf("derived from %q: %w", first, err)
	}
	return ns, nil
}
