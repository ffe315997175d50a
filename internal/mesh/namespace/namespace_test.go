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

package namespace

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"core", "core"},
		{"Core Team", "core-team"},
		{"My__Team--X", "my-team-x"},
		{"  padded  ", "padded"},
		{"...", ""},
		{"Ω-utf8-Ω", "utf8"},
		{"a1b2", "a1b2"},
		{"UPPER", "upper"},
	}
	for _, tc := range tests {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("core-team-7"); err != nil {
		t.Errorf("Validate(core-team-7) = %v", err)
	}
	long := strings.Repeat("a", MaxLen+1)
	for name, ns := range map[string]string{
		"empty":    "",
		"too long": long,
		"upper":    "Core",
		"dot":      "core.team",
		"edge":     "-core",
	} {
		if err := Validate(ns); err == nil {
			t.Errorf("Validate(%s %q) passed, want error", name, ns)
		}
	}
}

func TestResolveManifestWins(t *testing.T) {
	ns, err := Resolve("/work/alpha/proj", "/work", "Custom Name")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ns != "custom-name" {
		t.Errorf("ns = %q, want custom-name", ns)
	}
}

func TestResolveManifestInvalidIsAnError(t *testing.T) {
	// User-authored junk must not fall back to the path derivation.
	if _, err := Resolve("/work/alpha/proj", "/work", "!!!"); err == nil {
		t.Error("Resolve accepted an unnormalisable manifest namespace")
	}
	if _, err := Resolve("/work/alpha/proj", "/work", strings.Repeat("x", 80)); err == nil {
		t.Error("Resolve accepted an overlong manifest namespace")
	}
}

func TestResolveFromPath(t *testing.T) {
	tests := []struct {
		path, root, want string
	}{
		{"/work/alpha/proj", "/work", "alpha"},
		{"/work/alpha", "/work", "alpha"},
		{"/work/Alpha Team/x/y", "/work", "alpha-team"},
	}
	for _, tc := range tests {
		ns, err := Resolve(tc.path, tc.root, "")
		if err != nil {
			t.Errorf("Resolve(%s, %s): %v", tc.path, tc.root, err)
			continue
		}
		if ns != tc.want {
			t.Errorf("Resolve(%s, %s) = %q, want %q", tc.path, tc.root, ns, tc.want)
		}
	}
}

func TestResolvePathErrors(t *testing.T) {
	if _, err := Resolve("/work", "/work", ""); err == nil {
		t.Error("scan root itself resolved to a namespace")
	}
	if _, err := Resolve("/elsewhere/proj", "/work", ""); err == nil {
		t.Error("path outside the scan root resolved to a namespace")
	}
}
