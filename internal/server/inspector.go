// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"sync"

	"github.com/juju/collections/set"
)

// Inspector records which client groups have authenticated for the
// debugging side channel. The set is worker wide: any connection in a
// group authenticates once, and every connection the group holds on
// this worker may then inspect.
type Inspector struct {
	mu     sync.Mutex
	groups set.Strings
}

// NewInspector returns an inspector with no authenticated groups.
func NewInspector() *Inspector {
	return &Inspector{groups: set.NewStrings()}
}

// Authenticate marks the client group as allowed to inspect.
func (i *Inspector) Authenticate(clientGroupID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.groups.Add(clientGroupID)
}

// Authenticated reports whether the client group may inspect.
func (i *Inspector) Authenticated(clientGroupID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.groups.Contains(clientGroupID)
}
