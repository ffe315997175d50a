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

// Package manifest reads and writes the agent manifest kept in each
// project directory under .dork/agent.json. The file is user-editable;
// reading validates, writing is atomic and unknown fields survive a
// round trip so other tools can annotate manifests without us dropping
// their data.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// Dir is the per-project metadata directory.
	Dir = ".dork"
	// Filename is the manifest file inside Dir.
	Filename = "agent.json"
)

// Behavior describes how the agent wants to be spoken to.
type Behavior struct {
	// ResponseMode is "always" (reply to everything) or a consumer-defined
	// tag. Empty means the consumer's default.
	ResponseMode string `json:"responseMode,omitempty"`
}

// BudgetDefaults are stamped onto envelopes published on the agent's
// behalf. Zero values mean no limit.
type BudgetDefaults struct {
	MaxHopsPerMessage int `json:"maxHopsPerMessage,omitempty"`
	MaxCallsPerHour   int `json:"maxCallsPerHour,omitempty"`
}

// Manifest is the on-disk identity of an agent.
type Manifest struct {
	// ID is the ULID assigned on first registration. Empty for manifests
	// authored by hand that were never registered.
	ID           string
	Name         string
	Description  string
	Runtime      string
	Capabilities []string
	Behavior     Behavior
	Budget       BudgetDefaults
	// Namespace overrides the one derived from the scan root layout.
	Namespace    string
	RegisteredAt time.Time
	RegisteredBy string

	extra map[string]json.RawMessage
}

// Validate checks the fields the mesh depends on. The manifest is user
// authored, so errors name the offending field.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest: missing name")
	}
	if m.ID != "" {
		if _, err := ulid.ParseStrict(m.ID); err != nil {
			return fmt.Errorf("manifest: malformed id: %w", err)
		}
	}
	if m.Budget.MaxHopsPerMessage < 0 {
		return errors.New("manifest: negative maxHopsPerMessage")
	}
	if m.Budget.MaxCallsPerHour < 0 {
		return errors.New("manifest: negative maxCallsPerHour")
	}
	return nil
}

type manifestJSON struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Runtime      string          `json:"runtime,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Behavior     *Behavior       `json:"behavior,omitempty"`
	Budget       *BudgetDefaults `json:"budget,omitempty"`
	Namespace    string          `json:"namespace,omitempty"`
	RegisteredAt string          `json:"registeredAt,omitempty"`
	RegisteredBy string          `json:"registeredBy,omitempty"`
}

var knownManifestFields = map[string]struct{}{
	"id": {}, "name": {}, "description": {}, "runtime": {},
	"capabilities": {}, "behavior": {}, "budget": {}, "namespace": {},
	"registeredAt": {}, "registeredBy": {},
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var fields manifestJSON
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, ok := knownManifestFields[k]; ok {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}

	var registeredAt time.Time
	if fields.RegisteredAt != "" {
		var err error
		registeredAt, err = time.Parse(time.RFC3339Nano, fields.RegisteredAt)
		if err != nil {
			return fmt.Errorf("manifest: malformed registeredAt: %w", err)
		}
	}

	*m = Manifest{
		ID:           fields.ID,
		Name:         fields.Name,
		Description:  fields.Description,
		Runtime:      fields.Runtime,
		Capabilities: fields.Capabilities,
		Namespace:    fields.Namespace,
		RegisteredAt: registeredAt,
		RegisteredBy: fields.RegisteredBy,
		extra:        raw,
	}
	if fields.Behavior != nil {
		m.Behavior = *fields.Behavior
	}
	if fields.Budget != nil {
		m.Budget = *fields.Budget
	}
	return nil
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(m.extra)+10)
	for k, v := range m.extra {
		doc[k] = v
	}

	fields := manifestJSON{
		ID:           m.ID,
		Name:         m.Name,
		Description:  m.Description,
		Runtime:      m.Runtime,
		Capabilities: m.Capabilities,
		Namespace:    m.Namespace,
		RegisteredBy: m.RegisteredBy,
	}
	if m.Behavior != (Behavior{}) {
		fields.Behavior = &m.Behavior
	}
	if m.Budget != (BudgetDefaults{}) {
		fields.Budget = &m.Budget
	}
	if !m.RegisteredAt.IsZero() {
		fields.RegisteredAt = m.RegisteredAt.UTC().Format(time.RFC3339Nano)
	}

	known, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// PathFor returns the manifest location inside a project directory.
func PathFor(projectPath string) string {
	return filepath.Join(projectPath, Dir, Filename)
}

// Exists reports whether the project carries a manifest file.
func Exists(projectPath string) bool {
	fi, err := os.Stat(PathFor(projectPath))
	return err == nil && fi.Mode().IsRegular()
}

// Read loads and validates the manifest of a project directory. A missing
// file surfaces as fs.ErrNotExist.
func Read(projectPath string) (*Manifest, error) {
	data, err := os.ReadFile(PathFor(projectPath))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", PathFor(projectPath), err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", PathFor(projectPath), err)
	}
	return &m, nil
}

// Write stores the manifest atomically: the JSON is written to a temp file
// in the same directory and renamed over the target, so readers never see
// a torn manifest.
func Write(projectPath string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	dir := filepath.Join(projectPath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, Filename+".tmp*")
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("manifest: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("manifest: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), PathFor(projectPath)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("manifest: commit: %w", err)
	}
	return nil
}
