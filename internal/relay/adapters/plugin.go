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

package adapters

import (
	"fmt"
	"path/filepath"
	"plugin"

	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/module"
)

// factoryFor resolves the adapter constructor for a configuration entry.
//
// Three sources exist:
//   - plugin.path: a plugin object built with -buildmode=plugin, relative
//     paths resolving against the config file directory;
//   - plugin.package: an adapter package compiled into this binary that
//     registered itself under its package name;
//   - otherwise the builtin factory map keyed by type.
func factoryFor(cfgDir string, entry config.AdapterConfig) (module.FuncNewAdapter, module.FuncManifest, error) {
	switch {
	case entry.Plugin.Path != "":
		path := entry.Plugin.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfgDir, path)
		}
		return openPlugin(path)
	case entry.Plugin.Package != "":
		factory := module.Get(entry.Plugin.Package)
		if factory == nil {
			return nil, nil, fmt.Errorf("adapters: package %q is not linked into this binary", entry.Plugin.Package)
		}
		return factory, module.GetManifest(entry.Plugin.Package), nil
	default:
		factory := module.Get(entry.Type)
		if factory == nil {
			return nil, nil, fmt.Errorf("adapters: unknown adapter type %q", entry.Type)
		}
		return factory, module.GetManifest(entry.Type), nil
	}
}

// openPlugin loads an adapter from a Go plugin object. The plugin must
// export NewAdapter with the module.FuncNewAdapter signature and may export
// Manifest; a missing Manifest is synthesised from the instance later.
//
// plugin.Lookup hands function symbols back under their unnamed signature
// type, so the assertions below spell the signatures out instead of using
// the named framework types.
func openPlugin(path string) (module.FuncNewAdapter, module.FuncManifest, error) {
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("adapters: %w", err)
	}

	sym, err := plug.Lookup("NewAdapter")
	if err != nil {
		return nil, nil, fmt.Errorf("adapters: %s: %w", filepath.Base(path), err)
	}
	factory, ok := sym.(func(string, map[string]any) (module.Adapter, error))
	if !ok {
		return nil, nil, fmt.Errorf("adapters: %s: NewAdapter is %T, want func(string, map[string]any) (module.Adapter, error)",
			filepath.Base(path), sym)
	}

	var manifest module.FuncManifest
	if msym, err := plug.Lookup("Manifest"); err == nil {
		if fn, ok := msym.(func() module.AdapterManifest); ok {
			manifest = fn
		}
	}
	return factory, manifest, nil
}
