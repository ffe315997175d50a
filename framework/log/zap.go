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
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapOutput struct {
	core zapcore.Core
	ws   zapcore.WriteSyncer
}

// ZapOutput returns an Output that encodes messages as single-line JSON
// documents using the zap encoder. Message fields are passed to zap
// unformatted, field value normalization matches the plain-text output.
//
// The returned Output serializes writes on its own and is safe for
// concurrent use.
func ZapOutput(w io.Writer) Output {
	ws := zapcore.Lock(zapcore.AddSync(w))
	encCfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "ts",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return &zapOutput{
		core: zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zapcore.DebugLevel),
		ws:   ws,
	}
}

func (z *zapOutput) Write(stamp time.Time, debug bool, msg string, fields map[string]any) {
	lvl := zapcore.InfoLevel
	if debug {
		lvl = zapcore.DebugLevel
	}

	zfields := make([]zapcore.Field, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		zfields = append(zfields, zap.Any(k, normalizeField(fields[k])))
	}

	entry := zapcore.Entry{Time: stamp, Level: lvl, Message: msg}
	if err := z.core.Write(entry, zfields); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (z *zapOutput) Close() error {
	return z.ws.Sync()
}
