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

package config

import "path/filepath"

// StateDirectory is the fallback state location used when the configuration
// does not set state_dir. The dork package points it at the platform default
// before any command runs.
var StateDirectory string

// EffectiveStateDir resolves the directory holding databases, mailboxes and
// adapter state.
func (c *Config) EffectiveStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return StateDirectory
}

// RelayIndexPath locates the delivery index database.
func (c *Config) RelayIndexPath() string {
	return filepath.Join(c.EffectiveStateDir(), "relay.db")
}

// AgentRegistryPath locates the mesh registry database.
func (c *Config) AgentRegistryPath() string {
	return filepath.Join(c.EffectiveStateDir(), "agents.db")
}

// MailboxRootDir resolves the per-endpoint mailbox root.
func (c *Config) MailboxRootDir() string {
	if c.Relay.MailboxRoot != "" {
		return c.Relay.MailboxRoot
	}
	return filepath.Join(c.EffectiveStateDir(), "mailboxes")
}
