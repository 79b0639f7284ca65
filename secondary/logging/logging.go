// Package logging provides package-level Infof/Warnf/Errorf/Fatalf
// calls over a go.uber.org/zap backend, with callers conventionally
// prefixing messages with a "Type::method" tag.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

// the package keeps a single process-wide *zap.SugaredLogger behind a
// mutex so SetLogger can swap it out (e.g. for a development logger)
// after other packages have already taken a reference.

var (
	logMu  sync.RWMutex
	sugar  *zap.SugaredLogger
	logger *zap.Logger
)

func init() {
	logger, _ = zap.NewProduction()
	sugar = logger.Sugar()
}

// SetLogger replaces the process-wide logger. Used by cmd/reindex-workerd
// to install a development logger under -debug.
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = l
	sugar = l.Sugar()
}

func current() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return sugar
}

func Debugf(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	current().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Sync flushes buffered log entries. Call during graceful shutdown.
func Sync() error {
	return current().Sync()
}
