//go:build !docker
// +build !docker

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

package dork

var (
	// ConfigDirectory is where the default dork.yml lives. Overridable at
	// build time:
	//
	//	go build -ldflags '-X github.com/dorklabs/dork.ConfigDirectory=/opt/dork/etc'
	ConfigDirectory = "/etc/dork"

	// DefaultStateDirectory is used when the configuration does not set
	// state_dir. Overridable at build time the same way.
	DefaultStateDirectory = "/var/lib/dork"
)
