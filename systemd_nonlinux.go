//go:build !linux
// +build !linux

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

type sdStatus string

const (
	sdReady     sdStatus = "READY=1"
	sdReloading sdStatus = "RELOADING=1"
	sdStopping  sdStatus = "STOPPING=1"
)

func systemdStatus(sdStatus, string) {}

func systemdStatusErr(error) {}
