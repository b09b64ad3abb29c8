// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the process-wide logger. It keeps the printf call shape
// (log.Info("job %s", id)) on top of a zap core so output stays structured.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

var (
	level  = zap.NewAtomicLevelAt(InfoLevel)
	global atomic.Pointer[zap.Logger]
)

func init() {
	global.Store(newLogger("console"))
}

func newLogger(format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Configure switches the output format ("console" or "json") and level.
func Configure(format string, lvl string) error {
	if lvl != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", lvl, err)
		}
		level.SetLevel(l)
	}
	global.Store(newLogger(format))
	return nil
}

func SetLogLevel(l Level) { level.SetLevel(l) }

// SetLogger replaces the underlying logger, mostly for tests that observe output.
// It returns a func restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	prev := global.Swap(l.WithOptions(zap.AddCallerSkip(1)))
	return func() { global.Store(prev) }
}

// Logger returns the underlying zap logger for libraries that want one.
func Logger() *zap.Logger { return global.Load().WithOptions(zap.AddCallerSkip(-1)) }

func Debug(format string, args ...any) { global.Load().Debug(fmt.Sprintf(format, args...)) }
func Info(format string, args ...any)  { global.Load().Info(fmt.Sprintf(format, args...)) }
func Warn(format string, args ...any)  { global.Load().Warn(fmt.Sprintf(format, args...)) }
func Error(format string, args ...any) { global.Load().Error(fmt.Sprintf(format, args...)) }

// Entry is a child logger carrying structured fields.
type Entry struct {
	z *zap.Logger
}

// With returns a child logger with fields attached to every entry.
func With(fields ...zap.Field) Entry {
	return Entry{z: global.Load().With(fields...)}
}

// Named returns a child logger under the given name.
func Named(name string) Entry {
	return Entry{z: global.Load().Named(name)}
}

func (e Entry) With(fields ...zap.Field) Entry { return Entry{z: e.z.With(fields...)} }

func (e Entry) Debug(msg string, fields ...zap.Field) { e.z.Debug(msg, fields...) }
func (e Entry) Info(msg string, fields ...zap.Field)  { e.z.Info(msg, fields...) }
func (e Entry) Warn(msg string, fields ...zap.Field)  { e.z.Warn(msg, fields...) }
func (e Entry) Error(msg string, fields ...zap.Field) { e.z.Error(msg, fields...) }

func Sync() { _ = global.Load().Sync() }
