// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"

	stdlog "log"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Println emits an error message. It makes a Logger usable as the
	// error logger of a promhttp handler.
	Println(args ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages for this Logger,
	// returning the old state.
	EnableDebug(bool) bool
	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns an slog.Handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	debug   map[string]bool
	prefix  bool
	loggers map[string]logger
	forced  bool
}

const (
	// defaultSource is the source name of the default logger.
	defaultSource = "default"
	// maxSourceLen is the longest source name we pad prefixes to.
	maxSourceLen = 24
)

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		debug:   make(map[string]bool),
		loggers: make(map[string]logger),
	}
	deflog = log.get(defaultSource)
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetStdLogger redirects the standard library logger to the given source.
func SetStdLogger(source string) {
	l := Default()
	if source != "" {
		l = log.get(source)
	}
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdWriter{l: l})
}

// SetupDebugToggleSignal sets up a signal handler which forces debugging
// on or off for all sources.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			log.Lock()
			log.forced = !log.forced
			log.debug = make(map[string]bool)
			state := log.forced
			log.Unlock()
			deflog.Warn("forced full debugging is now %v...", state)
		}
	}()
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger{source: source}
	l.loggers[source] = lg
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	l.debug = make(map[string]bool)
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// debugEnabled checks the debug state for the source, caching the result.
func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	if l.forced {
		l.RUnlock()
		return true
	}
	state, ok := l.debug[source]
	l.RUnlock()
	if ok {
		return state
	}

	l.Lock()
	defer l.Unlock()

	state = l.dbgmap.enabled(source)
	l.debug[source] = state
	return state
}

// enabled returns the debug state for the source, checking globs in the map.
func (m srcmap) enabled(source string) bool {
	if state, ok := m[source]; ok {
		return state
	}
	enabled := false
	for glob, state := range m {
		if glob == "*" {
			enabled = state
			continue
		}
		if ok, _ := path.Match(glob, source); ok {
			return state
		}
	}
	return enabled
}

func (l *logging) formatPrefix(source string) string {
	l.RLock()
	defer l.RUnlock()
	if !l.prefix {
		return ""
	}
	if len(source) > maxSourceLen {
		source = source[:maxSourceLen]
	}
	return "[" + source + strings.Repeat(" ", maxSourceLen-len(source)) + "] "
}

func (lg logger) emit(level Level, format string, args ...interface{}) {
	log.RLock()
	threshold := log.level
	log.RUnlock()

	if level < threshold && !(level == LevelDebug && lg.DebugEnabled()) {
		return
	}

	msg := lg.format(format, args...)
	switch level {
	case LevelDebug:
		klog.InfoDepth(2, "D: ", msg)
	case LevelInfo:
		klog.InfoDepth(2, "I: ", msg)
	case LevelWarn:
		klog.WarningDepth(2, "W: ", msg)
	default:
		klog.ErrorDepth(2, "E: ", msg)
	}
}

func (lg logger) format(format string, args ...interface{}) string {
	prefix := log.formatPrefix(lg.source)
	if len(args) == 0 {
		return prefix + format
	}
	return prefix + fmt.Sprintf(format, args...)
}

func (lg logger) Debug(format string, args ...interface{}) {
	lg.emit(LevelDebug, format, args...)
}

func (lg logger) Info(format string, args ...interface{}) {
	lg.emit(LevelInfo, format, args...)
}

func (lg logger) Warn(format string, args ...interface{}) {
	lg.emit(LevelWarn, format, args...)
}

func (lg logger) Error(format string, args ...interface{}) {
	lg.emit(LevelError, format, args...)
}

func (lg logger) Debugf(format string, args ...interface{}) {
	lg.emit(LevelDebug, format, args...)
}

func (lg logger) Infof(format string, args ...interface{}) {
	lg.emit(LevelInfo, format, args...)
}

func (lg logger) Warnf(format string, args ...interface{}) {
	lg.emit(LevelWarn, format, args...)
}

func (lg logger) Errorf(format string, args ...interface{}) {
	lg.emit(LevelError, format, args...)
}

func (lg logger) Println(args ...interface{}) {
	lg.emit(LevelError, "%s", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	old := log.dbgmap.enabled(lg.source)
	log.dbgmap[lg.source] = state
	log.debug = make(map[string]bool)
	return old
}

func (lg logger) Source() string {
	return lg.source
}

// stdWriter passes standard library log output to a Logger.
type stdWriter struct {
	l Logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.l.Info("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}

// parseEnabled parses an on/off style boolean setting.
func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "enable", "enabled", "1", "yes":
		return true, nil
	case "off", "false", "disable", "disabled", "0", "no":
		return false, nil
	}
	return false, loggerError("invalid enabled state %q", value)
}
