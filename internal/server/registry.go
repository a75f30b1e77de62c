// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/internal/auth"
	"github.com/juju/zerocache/internal/pusher"
)

// PusherFactory builds the push service for a new client group.
type PusherFactory func(clientGroupID string) (*pusher.Service, error)

// group is the shared per-client-group state inside one worker.
type group struct {
	session *auth.Session
	pusher  *pusher.Service
	conns   int
}

// Registry tracks client groups within a worker. Each group carries
// one auth session and one reference counted push service, shared by
// all of the group's connections.
type Registry struct {
	newPusher PusherFactory
	validator auth.TokenValidator
	logger    logger.Logger

	mu     sync.Mutex
	groups map[string]*group
}

// NewRegistry returns an empty registry.
func NewRegistry(newPusher PusherFactory, validator auth.TokenValidator, logger logger.Logger) *Registry {
	return &Registry{
		newPusher: newPusher,
		validator: validator,
		logger:    logger,
		groups:    make(map[string]*group),
	}
}

// Connect joins a connection to its client group, running the group's
// auth state machine with the presented credentials. On success the
// group's push service gains a reference the caller must release with
// Disconnect.
func (r *Registry) Connect(ctx context.Context, clientGroupID, userID, authToken string) (*auth.Session, *pusher.Service, error) {
	r.mu.Lock()
	g, ok := r.groups[clientGroupID]
	if !ok {
		svc, err := r.newPusher(clientGroupID)
		if err != nil {
			r.mu.Unlock()
			return nil, nil, errors.Trace(err)
		}
		g = &group{
			session: auth.NewSession(r.validator, r.logger),
			pusher:  svc,
		}
		r.groups[clientGroupID] = g
	}
	r.mu.Unlock()

	if err := g.session.Update(ctx, userID, authToken); err != nil {
		r.reap(clientGroupID)
		return nil, nil, errors.Trace(err)
	}

	r.mu.Lock()
	g.conns++
	r.mu.Unlock()
	g.pusher.Ref()
	return g.session, g.pusher, nil
}

// Disconnect releases a connection's hold on its group. The last
// disconnect stops the group's push service and drops the group.
func (r *Registry) Disconnect(clientGroupID string) {
	r.mu.Lock()
	g, ok := r.groups[clientGroupID]
	if !ok {
		r.mu.Unlock()
		return
	}
	g.conns--
	if g.conns <= 0 {
		delete(r.groups, clientGroupID)
	}
	r.mu.Unlock()
	g.pusher.Unref()
}

// reap drops a group that never gained a connection, stopping its
// idle push service.
func (r *Registry) reap(clientGroupID string) {
	r.mu.Lock()
	g, ok := r.groups[clientGroupID]
	if ok && g.conns == 0 {
		delete(r.groups, clientGroupID)
	} else {
		g = nil
	}
	r.mu.Unlock()
	if g != nil {
		g.pusher.Ref()
		g.pusher.Unref()
	}
}

// Groups reports the number of live client groups.
func (r *Registry) Groups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
