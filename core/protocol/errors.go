// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package protocol

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
)

// ErrorKind enumerates the failure modes surfaced to clients.
type ErrorKind string

const (
	AuthInvalidated                        ErrorKind = "AuthInvalidated"
	ClientNotFound                         ErrorKind = "ClientNotFound"
	InvalidConnectionRequest               ErrorKind = "InvalidConnectionRequest"
	InvalidConnectionRequestBaseCookie     ErrorKind = "InvalidConnectionRequestBaseCookie"
	InvalidConnectionRequestLastMutationID ErrorKind = "InvalidConnectionRequestLastMutationID"
	InvalidConnectionRequestClientDeleted  ErrorKind = "InvalidConnectionRequestClientDeleted"
	InvalidMessage                         ErrorKind = "InvalidMessage"
	InvalidPush                            ErrorKind = "InvalidPush"
	PushFailed                             ErrorKind = "PushFailed"
	TransformFailed                        ErrorKind = "TransformFailed"
	MutationFailed                         ErrorKind = "MutationFailed"
	MutationRateLimited                    ErrorKind = "MutationRateLimited"
	Rebalance                              ErrorKind = "Rebalance"
	Rehome                                 ErrorKind = "Rehome"
	Unauthorized                           ErrorKind = "Unauthorized"
	VersionNotSupported                    ErrorKind = "VersionNotSupported"
	SchemaVersionNotSupported              ErrorKind = "SchemaVersionNotSupported"
	ServerOverloaded                       ErrorKind = "ServerOverloaded"
	Internal                               ErrorKind = "Internal"
)

// IsBackoff reports whether the kind belongs to the backoff family,
// whose error bodies may carry reconnection hints.
func (k ErrorKind) IsBackoff() bool {
	switch k {
	case Rebalance, Rehome, ServerOverloaded:
		return true
	}
	return false
}

// ErrorOrigin distinguishes errors raised by the user's API server
// from errors raised by the cache itself.
type ErrorOrigin string

const (
	OriginServer ErrorOrigin = "server"
	OriginCache  ErrorOrigin = "zero-cache"
)

// ErrorBody is the wire form of an error delivered to a client.
type ErrorBody struct {
	Kind    ErrorKind   `json:"kind"`
	Message string      `json:"message"`
	Origin  ErrorOrigin `json:"origin"`

	// Backoff hints, only meaningful for the backoff family of kinds.
	MinBackoffMs    int64             `json:"minBackoffMs,omitempty"`
	MaxBackoffMs    int64             `json:"maxBackoffMs,omitempty"`
	ReconnectParams map[string]string `json:"reconnectParams,omitempty"`

	// MutationIDs names the mutations affected by a push failure.
	MutationIDs []MutationID `json:"mutationIDs,omitempty"`
}

// Error is an error carrying a client-facing error body and the level
// at which it should be logged. The body and level survive wrapping
// with the usual juju/errors annotations.
type Error struct {
	Body  ErrorBody
	Level logger.Level
}

// NewError returns a protocol error of the given kind, originating
// from the cache, logged at warning level.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Body: ErrorBody{
			Kind:    kind,
			Message: fmt.Sprintf(format, args...),
			Origin:  OriginCache,
		},
		Level: logger.WARNING,
	}
}

// NewErrorWithLevel returns a protocol error carrying an explicit log
// level.
func NewErrorWithLevel(level logger.Level, kind ErrorKind, format string, args ...any) *Error {
	err := NewError(kind, format, args...)
	err.Level = level
	return err
}

// WithBody returns a protocol error for an externally produced body.
func WithBody(body ErrorBody) *Error {
	return &Error{Body: body, Level: logger.WARNING}
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Body.Kind, e.Body.Message)
}

// LogLevel implements logger.HasLogLevel.
func (e *Error) LogLevel() logger.Level {
	if e.Level == logger.UNSPECIFIED {
		return logger.WARNING
	}
	return e.Level
}

// BodyOf extracts a protocol error body from anywhere in err's chain.
// Errors with no protocol body report ok false; callers typically map
// those to an Internal body.
func BodyOf(err error) (ErrorBody, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Body, true
	}
	return ErrorBody{}, false
}

// InternalBody wraps an arbitrary error as an Internal error body.
func InternalBody(err error) ErrorBody {
	return ErrorBody{
		Kind:    Internal,
		Message: err.Error(),
		Origin:  OriginCache,
	}
}
