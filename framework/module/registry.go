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

package module

import (
	"sync"
)

var (
	adapters     = make(map[string]FuncNewAdapter)
	manifests    = make(map[string]FuncManifest)
	adaptersLock sync.RWMutex
)

// Register adds an adapter factory function to the global registry.
//
// The type name must be unique. Register panics if an adapter with the
// specified type name already exists in the registry.
//
// You probably want to call this function from func init() of the adapter
// package.
func Register(typeName string, factory FuncNewAdapter) {
	adaptersLock.Lock()
	defer adaptersLock.Unlock()

	if _, ok := adapters[typeName]; ok {
		panic("Register: adapter with specified type name is already registered: " + typeName)
	}

	adapters[typeName] = factory
}

// RegisterManifest attaches a manifest function to an adapter type name.
// Unlike Register it may replace a previous registration.
func RegisterManifest(typeName string, manifest FuncManifest) {
	adaptersLock.Lock()
	defer adaptersLock.Unlock()

	manifests[typeName] = manifest
}

// Get returns an adapter factory from the global registry.
//
// Nil is returned if no adapter with the specified type name is registered.
func Get(typeName string) FuncNewAdapter {
	adaptersLock.RLock()
	defer adaptersLock.RUnlock()

	return adapters[typeName]
}

// GetManifest returns the manifest function registered for a type name, or
// nil when the adapter never declared one.
func GetManifest(typeName string) FuncManifest {
	adaptersLock.RLock()
	defer adaptersLock.RUnlock()

	return manifests[typeName]
}
