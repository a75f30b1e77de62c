// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"
	"errors"
)

// Level represents the log level.
type Level int

// The severity levels. Higher values are more considered more
// important.
const (
	// UNSPECIFIED indicates that no specific log level was set.
	UNSPECIFIED Level = iota
	// TRACE indicates trace level logging.
	TRACE
	// DEBUG indicates debug level logging.
	DEBUG
	// INFO indicates info level logging.
	INFO
	// WARNING indicates warning level logging.
	WARNING
	// ERROR indicates error level logging.
	ERROR
	// CRITICAL indicates critical level logging.
	CRITICAL
)

// String implements Stringer.
func (level Level) String() string {
	switch level {
	case UNSPECIFIED:
		return "UNSPECIFIED"
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "<unknown>"
	}
}

// Logger is an interface that provides logging methods.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, msg string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, msg string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, msg string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, msg string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, msg string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, msg string, args ...any)

	// Logf logs some information into the test error output. The level is
	// used to determine which log it goes to.
	Logf(ctx context.Context, level Level, msg string, args ...any)

	// IsLevelEnabled returns true if the given level is enabled for the
	// logger.
	IsLevelEnabled(Level) bool

	// Child returns a new logger with the given name.
	Child(name string) Logger
}

// HasLogLevel is implemented by errors that carry an explicit level at
// which they should be logged.
type HasLogLevel interface {
	// LogLevel returns the level the error should be logged at.
	LogLevel() Level
}

// LevelFromError returns the log level carried by err, or the supplied
// fallback when the error does not carry one.
func LevelFromError(err error, fallback Level) Level {
	var leveled HasLogLevel
	if errors.As(err, &leveled) {
		return leveled.LogLevel()
	}
	return fallback
}
