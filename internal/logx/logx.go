// Package logx holds the process-wide logger shared by the runtime packages.
package logx

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Logger returns the runtime's logger instance.
// It is a no-op logger until SetLogger is called.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the runtime's logger. Passing nil restores the no-op
// logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Development installs a development-mode logger and returns it. Intended for
// binaries and tests that want console output.
func Development() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	SetLogger(l)
	return l
}
