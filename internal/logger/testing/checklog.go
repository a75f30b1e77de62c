// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"

	corelogger "github.com/juju/zerocache/core/logger"
)

// CheckLogger is the subset of the tc.C interface required for logging
// within tests.
type CheckLogger interface {
	Logf(format string, args ...any)
}

// WrapCheckLog returns a logger that logs to the given CheckLogger.
func WrapCheckLog(log CheckLogger) corelogger.Logger {
	return checkLogger{log: log, name: "test"}
}

type checkLogger struct {
	log  CheckLogger
	name string
}

func (c checkLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.log.Logf("CRITICAL: "+msg, args...)
}

func (c checkLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.log.Logf("ERROR: "+msg, args...)
}

func (c checkLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.log.Logf("WARNING: "+msg, args...)
}

func (c checkLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.log.Logf("INFO: "+msg, args...)
}

func (c checkLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.log.Logf("DEBUG: "+msg, args...)
}

func (c checkLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.log.Logf("TRACE: "+msg, args...)
}

func (c checkLogger) Logf(ctx context.Context, level corelogger.Level, msg string, args ...any) {
	c.log.Logf(level.String()+": "+msg, args...)
}

func (c checkLogger) IsLevelEnabled(corelogger.Level) bool { return true }

func (c checkLogger) Child(name string) corelogger.Logger {
	return checkLogger{log: c.log, name: c.name + "." + name}
}
