/*
mailgate - a programmable SMTP mail transfer agent and delivery pipeline.

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

// Package log is a thin, stateless wrapper around zap tailored to the
// per-subsystem, per-connection logging style used across mailgate:
// every Logger carries a Name that prefixes messages and an optional
// set of Fields (message id, remote address, ...) merged into every
// call.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is stateless and can be copied freely; the underlying zap
// core is shared.
type Logger struct {
	core   zapcore.Core
	Name   string
	Debug  bool
	Fields map[string]interface{}
}

var (
	baseOnce sync.Once
	baseCore zapcore.Core
)

func defaultCore() zapcore.Core {
	baseOnce.Do(func() {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc := zapcore.NewJSONEncoder(cfg)
		baseCore = zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	})
	return baseCore
}

// New returns a Logger named name, attached to the process-wide core.
func New(name string) Logger {
	return Logger{core: defaultCore(), Name: name}
}

// With returns a copy of l carrying additional fields merged on top of
// any fields l already carries.
func (l Logger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields))
	for k, v := range l.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.Fields = merged
	return l
}

func (l Logger) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(l.Fields)+1)
	if l.Name != "" {
		fields = append(fields, zap.String("component", l.Name))
	}
	for k, v := range l.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (l Logger) core_() zapcore.Core {
	if l.core != nil {
		return l.core
	}
	return defaultCore()
}

func (l Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	l.write(zapcore.DebugLevel, sprintf(format, args...))
}

func (l Logger) Printf(format string, args ...interface{}) {
	l.write(zapcore.InfoLevel, sprintf(format, args...))
}

func (l Logger) Errorf(format string, args ...interface{}) {
	l.write(zapcore.ErrorLevel, sprintf(format, args...))
}

// Error logs msg annotated with err, skipping entirely if err is nil
// (mirrors the teacher's log.Logger.Error convention of being a no-op
// on the success path so call sites don't need an `if err != nil`).
func (l Logger) Error(msg string, err error) {
	if err == nil {
		return
	}
	l.write(zapcore.ErrorLevel, msg+": "+err.Error())
}

func (l Logger) write(lvl zapcore.Level, msg string) {
	if l.Name != "" {
		msg = l.Name + ": " + msg
	}
	ce := l.core_().Check(zapcore.Entry{Level: lvl, Message: msg}, nil)
	if ce == nil {
		return
	}
	ce.Write(l.zapFields()...)
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
