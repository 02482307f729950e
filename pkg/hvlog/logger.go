// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hvlog provides the leveled, glog-style logging used throughout
// this module's I/O emulation core. There is no dependency on a structured
// logging library: handler registration, span errors, and protocol
// violations are diagnostics consumed by a human operator reading a
// console or syslog, exactly as the teacher's pkg/log is used by the KVM
// platform.
package hvlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is the log level for a given message.
type Level int

const (
	// Debug indicates a verbose message, disabled by default.
	Debug Level = iota
	// Info indicates an informational message.
	Info
	// Warning indicates a message that the operator should act on.
	Warning
)

// Logger is the interface implemented by this module's diagnostics
// consumers. Handler registration, dispatch, and the SMP call path all log
// through a Logger rather than calling fmt.Printf directly, so tests can
// swap in a recording Logger.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	IsLogging(level Level) bool
}

// Emitter is the interface for something that will actually output the log
// entries.
type Emitter interface {
	Emit(level Level, timestamp time.Time, format string, v ...any)
}

// Writer is an Emitter that writes to the given io.Writer, without any
// particular structure.
type Writer struct {
	mu  sync.Mutex
	out *os.File
}

// NewWriter returns an Emitter that writes plain lines to out.
func NewWriter(out *os.File) *Writer {
	return &Writer{out: out}
}

// Emit implements Emitter.Emit.
func (w *Writer) Emit(level Level, timestamp time.Time, format string, v ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, v...)
	if n := len(format); n == 0 || format[n-1] != '\n' {
		fmt.Fprintln(w.out)
	}
}

// BasicLogger logs to a single Emitter above a configurable level.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return level >= l.Level
}

var (
	mu  sync.Mutex
	log Logger = &BasicLogger{Level: Info, Emitter: GoogleEmitter{Emitter: NewWriter(os.Stderr)}}
)

// SetTarget sets the global logger target. It is not safe to call this
// concurrently with any logging calls.
func SetTarget(target Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = target
}

// Log returns the global logger.
func Log() Logger {
	mu.Lock()
	defer mu.Unlock()
	return log
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) { Log().Debugf(format, v...) }

// Infof logs to the global logger.
func Infof(format string, v ...any) { Log().Infof(format, v...) }

// Warningf logs to the global logger.
func Warningf(format string, v ...any) { Log().Warningf(format, v...) }

// IsLogging returns whether the given level is enabled on the global logger.
func IsLogging(level Level) bool { return Log().IsLogging(level) }
