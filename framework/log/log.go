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

// Package log implements a minimalistic logging library.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dorklabs/dork/framework/exterrors"
)

// Logger is the structure that writes formatted output to the underlying
// log.Output object.
//
// Logger is stateless and can be copied freely. However, consider that
// underlying log.Output will not be copied.
//
// Each log message is prefixed with the logger name. Timestamp, debug flag
// and field formatting is done by log.Output.
//
// No serialization is provided by Logger, it is log.Output responsibility to
// ensure goroutine-safety if necessary.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Additional fields that will be added
	// to every message.
	Fields map[string]any
}

func (l Logger) Debugf(format string, val ...any) {
	if !l.Debug {
		return
	}
	l.log(true, fmt.Sprintf(format, val...), nil)
}

func (l Logger) Debugln(val ...any) {
	if !l.Debug {
		return
	}
	l.log(true, strings.TrimRight(fmt.Sprintln(val...), "\n"), nil)
}

func (l Logger) Printf(format string, val ...any) {
	l.log(false, fmt.Sprintf(format, val...), nil)
}

func (l Logger) Println(val ...any) {
	l.log(false, strings.TrimRight(fmt.Sprintln(val...), "\n"), nil)
}

// Msg writes an event log message in a machine-readable format.
//
// Key-value pairs are built from the fields slice which should contain key
// strings followed by corresponding values. That is, for example, []any{"key",
// "value", "key2", "value2"}.
//
// If a value in fields implements LogFormatter, it will be represented by the
// string returned by the FormatLog method. Same goes for fmt.Stringer and
// error interfaces.
//
// Additionally, time.Time is written as a string in ISO 8601 format.
// time.Duration follows the fmt.Stringer rule above.
func (l Logger) Msg(msg string, fields ...any) {
	m := make(map[string]any, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, msg, m)
}

// Error writes an event log message containing information about the error.
// If err has a Fields method that returns map[string]any, its result will be
// added to the message. Additionally, values from fields will be added to it,
// as handled by Logger.Msg.
//
// In the context of the Error method, msg typically indicates the top-level
// context in which the error is *handled*. For example, if an error leads to
// the rejection of a publish, msg will probably be "publish failed".
func (l Logger) Error(msg string, err error, fields ...any) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	allFields := make(map[string]any, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}

	// If there is already a 'reason' field - use it, it probably
	// provides a better explanation than the error text itself.
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, msg, allFields)
}

func (l Logger) DebugMsg(kind string, fields ...any) {
	if !l.Debug {
		return
	}
	m := make(map[string]any, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, kind, m)
}

func fieldsToMap(fields []any, out map[string]any) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			// Key
			key, ok := val.(string)
			if !ok {
				// Misformatted arguments, attempt to provide a useful
				// message anyway.
				out[fmt.Sprint("field", i)] = key
				continue
			}
			lastKey = key
		} else {
			// Value
			out[lastKey] = val
		}
	}
}

type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer, all bytes sent to it will be written as
// separate log messages. No line-buffering is done.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"), nil)
	return len(s), nil
}

// DebugWriter returns a writer that will act like Logger.Write
// but will use the debug flag on messages. If Logger.Debug is false,
// the Write method of the returned object will be no-op.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	l.Debug = true
	return &l
}

func (l Logger) log(debug bool, msg string, fields map[string]any) {
	if l.Name != "" {
		msg = l.Name + ": " + msg
	}
	if len(l.Fields) != 0 {
		if fields == nil {
			fields = make(map[string]any, len(l.Fields))
		}
		for k, v := range l.Fields {
			if _, ok := fields[k]; ok {
				continue
			}
			fields[k] = v
		}
	}

	if l.Out != nil {
		l.Out.Write(time.Now(), debug, msg, fields)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, msg, fields)
		return
	}

	// Logging is disabled - do nothing.
}

// DefaultLogger is the global Logger object that is used by
// package-level logging functions.
//
// As with all other Loggers, it is not goroutine-safe on its own,
// however the underlying log.Output may provide necessary serialization.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...any) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...any)               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...any) { DefaultLogger.Printf(format, val...) }
func Println(val ...any)               { DefaultLogger.Println(val...) }
