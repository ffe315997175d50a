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

package testutils

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/dorklabs/dork/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(dork) Turn on debug log messages")
	directLog = flag.Bool("test.directlog", false, "(dork) Log to stderr instead of test log")
)

func Logger(t *testing.T, name string) log.Logger {
	if *directLog {
		return log.Logger{
			Out:   log.WriterOutput(os.Stderr, true),
			Name:  name,
			Debug: *debugLog,
		}
	}

	return log.Logger{
		Out: log.FuncOutput(func(_ time.Time, debug bool, msg string, fields map[string]any) {
			t.Helper()
			msg = strings.TrimSuffix(msg, "\n")
			if debug {
				msg = "[debug] " + msg
			}
			if len(fields) != 0 {
				keys := make([]string, 0, len(fields))
				for k := range fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				parts := make([]string, 0, len(keys))
				for _, k := range keys {
					parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
				}
				msg += "\t" + strings.Join(parts, " ")
			}
			t.Log(msg)
		}, func() error {
			return nil
		}),
		Name:  name,
		Debug: *debugLog,
	}
}
