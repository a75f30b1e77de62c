// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replica

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
)

const lockAcquireDelay = 250 * time.Millisecond

// Lock is a machine-wide guard held by the single writer of a replica
// file. A second process opening the same file for writing blocks
// here until the first releases it.
type Lock struct {
	releaser mutex.Releaser
}

// AcquireLock takes the writer lock for the replica file at the given
// path, blocking until it is free or the timeout elapses. A zero
// timeout waits forever.
func AcquireLock(path string, clk clock.Clock, timeout time.Duration) (*Lock, error) {
	spec := mutex.Spec{
		Name:    lockName(path),
		Clock:   clk,
		Delay:   lockAcquireDelay,
		Timeout: timeout,
	}
	releaser, err := mutex.Acquire(spec)
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring writer lock for %q", path)
	}
	return &Lock{releaser: releaser}, nil
}

// Release gives up the writer lock.
func (l *Lock) Release() {
	l.releaser.Release()
}

// lockName derives a valid mutex name from the replica path. Mutex
// names must start with a letter and stay short, so the path is
// hashed rather than encoded.
func lockName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return "zerocache-" + hex.EncodeToString(sum[:12])
}
