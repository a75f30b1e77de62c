// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package worker holds shared plumbing for the long-lived workers in
// this repository.
package worker

import (
	"context"

	"github.com/juju/zerocache/core/logger"
)

// RunnerLogger adapts a context-first logger to the context-free
// interface the worker runner logs through.
type RunnerLogger struct {
	log logger.Logger
}

// WrapLogger returns a runner compatible view of log.
func WrapLogger(log logger.Logger) RunnerLogger {
	return RunnerLogger{log: log}
}

// Tracef logs at trace level.
func (l RunnerLogger) Tracef(format string, args ...any) {
	l.log.Tracef(context.Background(), format, args...)
}

// Debugf logs at debug level.
func (l RunnerLogger) Debugf(format string, args ...any) {
	l.log.Debugf(context.Background(), format, args...)
}

// Infof logs at info level.
func (l RunnerLogger) Infof(format string, args ...any) {
	l.log.Infof(context.Background(), format, args...)
}

// Warningf logs at warning level.
func (l RunnerLogger) Warningf(format string, args ...any) {
	l.log.Warningf(context.Background(), format, args...)
}

// Errorf logs at error level.
func (l RunnerLogger) Errorf(format string, args ...any) {
	l.log.Errorf(context.Background(), format, args...)
}
