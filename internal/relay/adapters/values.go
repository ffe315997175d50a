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
	"time"
)

// Adapter config blocks arrive as raw YAML maps. The helpers below coerce
// single keys with defaults; adapter factories use them so their config
// errors all read the same.

// String reads an optional string key.
func String(cfg map[string]any, key, def string) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected a string, got %T", key, raw)
	}
	return s, nil
}

// Int reads an optional integer key. YAML hands numbers over as int, but
// values coming through JSON round-trips arrive as float64.
func Int(cfg map[string]any, key string, def int64) (int64, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%s: expected an integer, got %v", key, v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%s: expected an integer, got %T", key, raw)
	}
}

// Bool reads an optional boolean key.
func Bool(cfg map[string]any, key string, def bool) (bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected a boolean, got %T", key, raw)
	}
	return b, nil
}

// Duration reads an optional duration key given as a Go duration string
// ("10s", "1m30s").
func Duration(cfg map[string]any, key string, def time.Duration) (time.Duration, error) {
	raw, err := String(cfg, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}
