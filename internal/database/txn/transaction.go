// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package txn runs SQLite transactions with retry semantics for
// transient failures. SQLite reports busy/locked errors under
// contention rather than blocking, so every transaction is wrapped in
// a bounded retry loop with jittered backoff.
package txn

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/semaphore"

	"github.com/juju/zerocache/core/logger"
	internallogger "github.com/juju/zerocache/internal/logger"
)

const (
	// DefaultTimeout is the timeout applied to a whole transaction,
	// including all its retries.
	DefaultTimeout = time.Second * 30
)

// RetryStrategy runs fn until it succeeds, returns a fatal error, or
// the strategy gives up.
type RetryStrategy func(ctx context.Context, fn func() error) error

// DefaultRetryStrategy returns a retry strategy tuned for SQLite
// lock contention: many cheap attempts with a small jittered backoff.
func DefaultRetryStrategy(clk clock.Clock, log logger.Logger) RetryStrategy {
	return func(ctx context.Context, fn func() error) error {
		err := retry.Call(retry.CallArgs{
			Func: fn,
			IsFatalError: func(err error) bool {
				return !IsErrRetryable(err)
			},
			NotifyFunc: func(lastError error, attempt int) {
				if attempt%50 == 0 {
					log.Warningf(ctx, "retrying transaction (attempt %d): %v", attempt, lastError)
				}
			},
			Attempts:    250,
			Delay:       time.Millisecond,
			MaxDelay:    time.Millisecond * 100,
			BackoffFunc: retry.ExpBackoff(time.Millisecond, time.Millisecond*100, 1.5, true),
			Clock:       clk,
			Stop:        ctx.Done(),
		})
		return err
	}
}

// Option configures a RetryingTxnRunner.
type Option func(*RetryingTxnRunner)

// WithLogger sets the logger used for retry and rollback reporting.
func WithLogger(log logger.Logger) Option {
	return func(r *RetryingTxnRunner) {
		r.logger = log
	}
}

// WithRetryStrategy replaces the default retry strategy.
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(r *RetryingTxnRunner) {
		r.retryStrategy = strategy
	}
}

// WithTimeout overrides the per-transaction timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *RetryingTxnRunner) {
		r.timeout = timeout
	}
}

// RetryingTxnRunner executes transactions with retries on transient
// errors. Concurrency is bounded so a burst of writers degrades into
// queueing instead of a busy-retry storm.
type RetryingTxnRunner struct {
	timeout       time.Duration
	logger        logger.Logger
	retryStrategy RetryStrategy
	semaphore     *semaphore.Weighted
}

// NewRetryingTxnRunner returns a runner with the default timeout and
// retry strategy.
func NewRetryingTxnRunner(opts ...Option) *RetryingTxnRunner {
	r := &RetryingTxnRunner{
		timeout:   DefaultTimeout,
		logger:    internallogger.GetLogger("zerocache.database"),
		semaphore: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retryStrategy == nil {
		r.retryStrategy = DefaultRetryStrategy(clock.WallClock, r.logger)
	}
	return r
}

// Txn executes fn inside a sqlair transaction, committing on a nil
// return and rolling back otherwise. The whole operation is retried
// on transient errors.
func (r *RetryingTxnRunner) Txn(ctx context.Context, db *sqlair.DB, fn func(context.Context, *sqlair.TX) error) error {
	return r.Retry(ctx, func() error {
		return r.run(ctx, func(ctx context.Context) error {
			tx, err := db.Begin(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}
			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					r.logger.Warningf(ctx, "failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}
			return errors.Trace(tx.Commit())
		})
	})
}

// StdTxn is Txn for database/sql callers.
func (r *RetryingTxnRunner) StdTxn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	return r.Retry(ctx, func() error {
		return r.run(ctx, func(ctx context.Context) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}
			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					r.logger.Warningf(ctx, "failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}
			return errors.Trace(tx.Commit())
		})
	})
}

// Retry runs fn under the runner's retry strategy.
func (r *RetryingTxnRunner) Retry(ctx context.Context, fn func() error) error {
	return r.retryStrategy(ctx, fn)
}

func (r *RetryingTxnRunner) run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.semaphore.Acquire(ctx, 1); err != nil {
		return errors.Trace(err)
	}
	defer r.semaphore.Release(1)

	// The acquire may have raced a cancellation.
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}
	return fn(ctx)
}
