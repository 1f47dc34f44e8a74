// Package obslog provides the named, leveled logging every package in this
// module uses, in the shape of the teacher hybrid allocator's Debug/Info/
// Error/Fatal helpers, but backed by a real structured logger instead of the
// standard library's log.Logger.
package obslog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Level mirrors hybrid.LogLevel's ordering (None < Fatal < Error < Info < Debug).
type Level int

const (
	LevelNone Level = iota
	LevelFatal
	LevelError
	LevelInfo
	LevelDebug
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	current = LevelInfo
)

func init() {
	cfg := zap.NewProductionConfig()
	// Output is gated by this package's own level (SetLevel), so the zap
	// logger itself passes every level, Debug included.
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap itself failing to build is unrecoverable for a logging
		// subsystem; fall back to a no-op rather than crash callers.
		l = zap.NewNop()
	}
	base = l
}

// SetLevel sets the process-wide minimum level, matching hybrid's
// currentLogLevel package variable.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	current = lvl
}

// Named returns a component-scoped logger, one per package, the way the
// teacher's allocator.go/buddy.go/slab.go all shared one package-level
// logger but each call site names its own component in the message.
func Named(component string) *Logger {
	return &Logger{sugar: base.Named(component).Sugar()}
}

// Logger is the per-component handle returned by Named.
type Logger struct {
	sugar *zap.SugaredLogger
}

func (l *Logger) enabled(lvl Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return current >= lvl
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.sugar.Debugf(format, v...)
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.sugar.Infof(format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	if l.enabled(LevelError) {
		l.sugar.Errorf(format, v...)
	}
}

// Fatal logs and terminates the process, matching hybrid.Fatal's contract.
func (l *Logger) Fatal(format string, v ...interface{}) {
	if l.enabled(LevelFatal) {
		l.sugar.Fatalf(format, v...)
		return
	}
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, v...))
	os.Exit(1)
}
