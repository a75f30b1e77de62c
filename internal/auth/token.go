// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth tracks the authentication state of a client group. A
// group is pinned to a single user; its token may be replaced over
// the group's lifetime, subject to the replacement policy in
// pickToken.
package auth

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Token is the recorded credential of a client group. JWT is nil for
// opaque tokens, which the cache forwards without inspecting.
type Token struct {
	Raw string
	JWT jwt.Token
}

// IsJWT reports whether the token was validated as a JWT.
func (t *Token) IsJWT() bool {
	return t != nil && t.JWT != nil
}

func tokensEqual(a, b *Token) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Raw == b.Raw && a.IsJWT() == b.IsJWT()
}

// TokenValidator verifies a raw token presented by a client claiming
// the given user ID, returning the decoded JWT. A validator failure
// that carries a protocol error body is surfaced to the client
// unchanged; anything else reports the credential as invalidated.
type TokenValidator func(ctx context.Context, raw, userID string) (jwt.Token, error)

// HS256Validator returns a validator for tokens signed with the given
// shared secret. The subject claim must match the connecting user.
func HS256Validator(secret []byte, clk clock.Clock) TokenValidator {
	return func(ctx context.Context, raw, userID string) (jwt.Token, error) {
		tok, err := jwt.Parse([]byte(raw),
			jwt.WithKey(jwa.HS256, secret),
			jwt.WithClock(clk),
			jwt.WithValidate(true),
		)
		if err != nil {
			return nil, errors.Annotate(err, "parsing token")
		}
		if userID != "" && tok.Subject() != userID {
			return nil, errors.Errorf("token subject %q does not match user %q", tok.Subject(), userID)
		}
		return tok, nil
	}
}

// pickToken decides which of two validated JWTs a client group keeps.
// The token type and subject are fixed for the group's lifetime;
// among matching tokens the one with the newer issued-at time wins,
// with presence of issued-at treated as newer than absence.
func pickToken(prev, next *Token) (*Token, error) {
	if !prev.IsJWT() {
		if prev != nil {
			return nil, errors.Errorf("cannot replace an opaque token with a JWT")
		}
		return next, nil
	}

	if prev.JWT.Subject() != next.JWT.Subject() {
		return nil, errors.Errorf("token subject changed from %q to %q",
			prev.JWT.Subject(), next.JWT.Subject())
	}

	_, prevHasIat := prev.JWT.Get(jwt.IssuedAtKey)
	_, nextHasIat := next.JWT.Get(jwt.IssuedAtKey)
	switch {
	case !prevHasIat:
		return next, nil
	case !nextHasIat:
		return nil, errors.Errorf("token has no issued-at time but the current token does")
	case next.JWT.IssuedAt().After(prev.JWT.IssuedAt()):
		return next, nil
	default:
		// Equal or older issued-at keeps the current token.
		return prev, nil
	}
}
