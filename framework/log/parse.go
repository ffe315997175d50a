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

package log

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ParseOutput builds an Output from the log target list used in the
// configuration file and the -log flag.
//
// Valid targets:
//
//	stderr         plain text to standard error
//	stderr_ts      plain text with timestamps to standard error
//	json           zap-encoded JSON to standard error
//	syslog         system syslog daemon
//	off            no logging (must be the only target)
//	<path>         file, plain text with timestamps
//	<path>.json    file, zap-encoded JSON
func ParseOutput(targets []string) (Output, error) {
	if len(targets) == 0 {
		return WriterOutput(os.Stderr, false), nil
	}

	outs := make([]Output, 0, len(targets))
	for _, target := range targets {
		switch target {
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("log: the 'off' target cannot be combined with others")
			}
			return NopOutput{}, nil
		case "stderr":
			outs = append(outs, WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, WriterOutput(os.Stderr, true))
		case "json":
			outs = append(outs, ZapOutput(os.Stderr))
		case "syslog":
			syslogOut, err := SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("log: %w", err)
			}
			outs = append(outs, syslogOut)
		default:
			w, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
			if err != nil {
				return nil, fmt.Errorf("log: %w", err)
			}
			if strings.HasSuffix(target, ".json") {
				outs = append(outs, ZapOutput(w))
			} else {
				outs = append(outs, WriteCloserOutput(w, true))
			}
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return MultiOutput(outs...), nil
}
