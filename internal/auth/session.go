// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
)

// Session is the authentication state machine of one client group.
// The first update binds the group to a user ID; later updates must
// present the same user. The revision counter advances only when the
// effective token actually changes, so downstream services can use it
// to invalidate cached authorization decisions.
type Session struct {
	validator TokenValidator
	logger    logger.Logger

	mu          sync.Mutex
	token       *Token
	boundUserID string
	bound       bool
	revision    int
}

// NewSession returns a session for a new client group. A nil
// validator puts the session on the opaque-token path.
func NewSession(validator TokenValidator, logger logger.Logger) *Session {
	return &Session{
		validator: validator,
		logger:    logger,
	}
}

// Update applies the credentials presented by a connecting client.
// A nil return means the session accepted them; a returned protocol
// error must be delivered to the client and leaves the session
// unchanged.
func (s *Session) Update(ctx context.Context, userID, wireAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound && userID != s.boundUserID {
		return protocol.NewError(protocol.Unauthorized,
			"Client groups are pinned to a single user")
	}

	hasProvidedAuth := wireAuth != ""
	if !hasProvidedAuth && s.token != nil {
		return protocol.NewError(protocol.Unauthorized,
			"No token provided. An unauthenticated client cannot connect to an authenticated client group")
	}

	var next *Token
	switch {
	case !hasProvidedAuth:
		next = nil

	case s.validator != nil:
		tok, err := s.validator(ctx, wireAuth, userID)
		if err != nil {
			if body, ok := protocol.BodyOf(err); ok {
				return protocol.WithBody(body)
			}
			s.logger.Debugf(ctx, "token validation failed: %v", err)
			return protocol.NewError(protocol.AuthInvalidated, "token validation failed")
		}
		next, err = pickToken(s.token, &Token{Raw: wireAuth, JWT: tok})
		if err != nil {
			return protocol.NewError(protocol.Unauthorized, "%s", err.Error())
		}

	default:
		if s.token.IsJWT() {
			return errors.Errorf("opaque token cannot replace a JWT")
		}
		next = &Token{Raw: wireAuth}
	}

	prev := s.token
	s.token = next
	if !s.bound {
		s.boundUserID = userID
		s.bound = true
	}
	if !tokensEqual(prev, next) {
		s.revision++
	}
	return nil
}

// Token returns the session's current token, nil when the group is
// unauthenticated.
func (s *Session) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// BoundUserID returns the user the group is pinned to, and whether a
// binding has happened yet.
func (s *Session) BoundUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundUserID, s.bound
}

// Revision returns the number of effective token changes so far.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Clear resets the session to its initial state, unbinding the user.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	s.boundUserID = ""
	s.bound = false
	s.revision = 0
}
