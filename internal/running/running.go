// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package running provides the lifecycle primitive shared by every
// long-lived service in the engine: cooperative cancellation, timer
// tracking and exponential backoff. One State exists per service; the
// service polls ShouldRun in its loop, registers anything that must
// be torn down via CancelOnStop, and calls Backoff between failed
// runs.
package running

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/zerocache/core/logger"
)

const (
	// defaultInitialRetryDelay is the first backoff sleep.
	defaultInitialRetryDelay = 100 * time.Millisecond

	// defaultMaxRetryDelay caps the backoff sleep.
	defaultMaxRetryDelay = 10 * time.Second
)

// ErrStopped is reported by Backoff when the state was stopped while
// sleeping.
const ErrStopped = errors.ConstError("running state stopped")

// errUnrecoverable marks an error that must stop the service rather
// than be retried.
const errUnrecoverable = errors.ConstError("unrecoverable")

// MarkUnrecoverable wraps err so that Backoff stops the service
// instead of sleeping.
func MarkUnrecoverable(err error) error {
	return errors.WithType(err, errUnrecoverable)
}

// Cancelable is anything that can be cancelled when the service
// stops.
type Cancelable interface {
	Cancel()
}

// Option configures a State.
type Option func(*State)

// WithRetryDelays overrides the backoff bounds.
func WithRetryDelays(initial, max time.Duration) Option {
	return func(s *State) {
		s.initialRetryDelay = initial
		s.maxRetryDelay = max
	}
}

// State tracks whether a service should keep running.
type State struct {
	name   string
	clock  clock.Clock
	logger logger.Logger

	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration

	mu          sync.Mutex
	stopped     bool
	stoppedCh   chan struct{}
	cancelables map[uint64]Cancelable
	nextID      uint64
	timers      map[uint64]clock.Timer
	attempt     int
	backoff     func(time.Duration, int) time.Duration
}

// NewState returns a State for a service with the given name.
func NewState(name string, clk clock.Clock, logger logger.Logger, opts ...Option) *State {
	s := &State{
		name:              name,
		clock:             clk,
		logger:            logger,
		initialRetryDelay: defaultInitialRetryDelay,
		maxRetryDelay:     defaultMaxRetryDelay,
		stoppedCh:         make(chan struct{}),
		cancelables:       make(map[uint64]Cancelable),
		timers:            make(map[uint64]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backoff = retry.ExpBackoff(s.initialRetryDelay, s.maxRetryDelay, 2, false)
	return s
}

// ShouldRun reports whether the service should keep running.
func (s *State) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Stopped returns a channel closed once Stop has been called.
func (s *State) Stopped() <-chan struct{} {
	return s.stoppedCh
}

// Stop stops the service: registered cancelables are cancelled,
// pending timers are cleared and the Stopped channel is closed. Stop
// is idempotent. An abort cause is logged at info level, anything
// else at error level.
func (s *State) Stop(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancelables := make([]Cancelable, 0, len(s.cancelables))
	for _, c := range s.cancelables {
		cancelables = append(cancelables, c)
	}
	s.cancelables = nil
	timers := make([]clock.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	s.timers = nil
	s.mu.Unlock()

	if cause == nil {
		s.logger.Infof(ctx, "stopping %s", s.name)
	} else if isAbort(cause) {
		s.logger.Infof(ctx, "stopping %s: %v", s.name, cause)
	} else {
		s.logger.Errorf(ctx, "stopping %s: %v", s.name, cause)
	}

	for _, t := range timers {
		t.Stop()
	}
	for _, c := range cancelables {
		s.cancel(ctx, c)
	}
	close(s.stoppedCh)
}

// A cancel handler must never take the service down with it.
func (s *State) cancel(ctx context.Context, c Cancelable) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf(ctx, "%s: cancel handler panicked: %v", s.name, r)
		}
	}()
	c.Cancel()
}

// CancelOnStop registers c to be cancelled when the state stops. The
// returned unregister function is idempotent. If the state is already
// stopped, c is cancelled immediately.
func (s *State) CancelOnStop(c Cancelable) func() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.cancel(context.Background(), c)
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.cancelables[id] = c
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.cancelables, id)
	}
}

// SetTimeout schedules fn after d. The timer is cleared automatically
// when the state stops, and removed from the pending set when it
// fires.
func (s *State) SetTimeout(fn func(), d time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	id := s.nextID
	s.nextID++
	var timer clock.Timer
	timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers == nil {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = timer
	s.mu.Unlock()
}

// Backoff sleeps for the current retry delay or until the state is
// stopped, then doubles the delay up to the maximum. An abort or
// unrecoverable cause stops the state instead of sleeping.
func (s *State) Backoff(ctx context.Context, cause error) error {
	if isAbort(cause) || errors.Is(cause, errUnrecoverable) {
		s.Stop(ctx, cause)
		return ErrStopped
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	// The first sleep is the initial delay itself, hence attempt-1.
	s.attempt++
	delay := s.backoff(0, s.attempt-1)
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warningf(ctx, "%s: backing off %v: %v", s.name, delay, cause)
	}

	select {
	case <-s.stoppedCh:
		return ErrStopped
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-s.clock.After(delay):
		return nil
	}
}

// ResetBackoff restores the retry delay to its initial value. Call on
// a successful run.
func (s *State) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
