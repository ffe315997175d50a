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

// Package config defines the dork.yml configuration file and its loading,
// validation and hot-reload plumbing.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root of dork.yml.
type Config struct {
	// StateDir holds the database, the mailbox root and adapter state.
	// Empty means the platform default (see the dork package).
	StateDir string `yaml:"state_dir"`

	Log      LogConfig       `yaml:"log"`
	Relay    RelayConfig     `yaml:"relay"`
	Adapters []AdapterConfig `yaml:"adapters" validate:"dive"`
	Mesh     MeshConfig      `yaml:"mesh"`

	// Dir is the directory containing the loaded file. Relative plugin
	// paths resolve against it.
	Dir string `yaml:"-"`
}

type LogConfig struct {
	// Targets accepts the same values as the -log flag: stderr, stderr_ts,
	// json, syslog, off or file paths.
	Targets []string `yaml:"targets"`
	Debug   bool     `yaml:"debug"`
}

type RelayConfig struct {
	// MailboxRoot is the directory holding per-endpoint mailboxes.
	// Empty means <state_dir>/mailboxes.
	MailboxRoot string            `yaml:"mailbox_root"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Access      AccessConfig      `yaml:"access"`
}

// ReliabilityConfig bundles the delivery knobs that can be swapped at
// runtime without restarting the daemon.
type ReliabilityConfig struct {
	Backpressure   BackpressureConfig   `yaml:"backpressure"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type BackpressureConfig struct {
	// MaxMailboxSize is the hard cap of undelivered messages per mailbox.
	MaxMailboxSize int `yaml:"max_mailbox_size" validate:"gt=0"`
	// PressureWarningAt is the fill ratio at which warning signals start.
	PressureWarningAt float64 `yaml:"pressure_warning_at" validate:"gt=0,lte=1"`
}

type RateLimitConfig struct {
	WindowSeconds int            `yaml:"window_seconds" validate:"gt=0"`
	MaxPerWindow  int            `yaml:"max_per_window" validate:"gt=0"`
	Overrides     []RateOverride `yaml:"overrides" validate:"dive"`
}

// RateOverride replaces the default per-window limit for senders matched by
// the pattern. The first matching override wins.
type RateOverride struct {
	Sender       string `yaml:"sender" validate:"required"`
	MaxPerWindow int    `yaml:"max_per_window" validate:"gt=0"`
}

type CircuitBreakerConfig struct {
	FailureThreshold   int      `yaml:"failure_threshold" validate:"gt=0"`
	Cooldown           Duration `yaml:"cooldown" validate:"gt=0"`
	HalfOpenProbeCount int      `yaml:"half_open_probe_count" validate:"gt=0"`
	SuccessToClose     int      `yaml:"success_to_close" validate:"gt=0"`
}

type AccessConfig struct {
	Rules []RuleConfig `yaml:"rules" validate:"dive"`
}

type RuleConfig struct {
	From     string `yaml:"from" validate:"required"`
	To       string `yaml:"to" validate:"required"`
	Action   string `yaml:"action" validate:"oneof=allow deny"`
	Priority int    `yaml:"priority"`
}

type AdapterConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Type    string `yaml:"type" validate:"required"`
	Enabled *bool  `yaml:"enabled"`
	Builtin bool   `yaml:"builtin"`
	Plugin  Plugin `yaml:"plugin"`
	// Config is handed to the adapter factory as-is.
	Config map[string]any `yaml:"config"`
}

// IsEnabled treats a missing enabled key as true.
func (a *AdapterConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Plugin points at a dynamically loaded adapter: either an installed
// package name or a path to a built plugin object. Path is resolved against
// the config file directory when relative.
type Plugin struct {
	Package string `yaml:"package"`
	Path    string `yaml:"path"`
}

type MeshConfig struct {
	Scan   ScanConfig   `yaml:"scan"`
	Health HealthConfig `yaml:"health"`
}

type ScanConfig struct {
	Roots          []string `yaml:"roots"`
	MaxDepth       int      `yaml:"max_depth" validate:"gte=0"`
	Exclude        []string `yaml:"exclude"`
	FollowSymlinks bool     `yaml:"follow_symlinks"`
	// Deny lists paths never to surface as candidates, even when a
	// strategy matches them.
	Deny []string `yaml:"deny"`
}

type HealthConfig struct {
	ActiveWithin   Duration `yaml:"active_within" validate:"gt=0"`
	InactiveWithin Duration `yaml:"inactive_within" validate:"gt=0"`
	SweepInterval  Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// Default returns the configuration used when dork.yml is absent or leaves
// sections out. Load unmarshals on top of it.
func Default() Config {
	return Config{
		Log: LogConfig{
			Targets: []string{"stderr"},
		},
		Relay: RelayConfig{
			Reliability: ReliabilityConfig{
				Backpressure: BackpressureConfig{
					MaxMailboxSize:    1000,
					PressureWarningAt: 0.8,
				},
				RateLimit: RateLimitConfig{
					WindowSeconds: 60,
					MaxPerWindow:  120,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold:   5,
					Cooldown:           Duration(30 * time.Second),
					HalfOpenProbeCount: 3,
					SuccessToClose:     2,
				},
			},
		},
		Mesh: MeshConfig{
			Scan: ScanConfig{
				MaxDepth: 5,
				Exclude: []string{
					".git", ".hg", ".svn",
					"node_modules", "vendor",
					"dist", "build", "target", ".next",
				},
			},
			Health: HealthConfig{
				ActiveWithin:   Duration(5 * time.Minute),
				InactiveWithin: Duration(30 * time.Minute),
				SweepInterval:  Duration(time.Minute),
			},
		},
	}
}

// Load reads, parses and validates the configuration file at path. Missing
// keys keep their defaults. Unknown keys are rejected to catch typos early.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Dir = filepath.Dir(absPath)
	return cfg, nil
}

// Parse builds a validated Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF; defaults apply as-is.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok || len(errs) == 0 {
			return err
		}
		first := errs[0]
		return fmt.Errorf("field %s fails constraint %q", first.Namespace(), first.Tag())
	}
	return nil
}
