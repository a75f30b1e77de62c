// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backfill

import (
	"context"
	"io"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	corewatermark "github.com/juju/zerocache/core/watermark"
	"github.com/juju/zerocache/internal/changestream/mux"
	"github.com/juju/zerocache/internal/running"
)

// runBackfill drives one backfill to completion and reschedules.
func (m *Manager) runBackfill(rb *runningBackfill) {
	ctx := m.ctx
	err := m.driveBackfill(ctx, rb)
	m.clearRunning(rb)
	if err != nil {
		// Teardown is not a failure; only arm the retry timer for
		// errors the next attempt could actually clear.
		if errors.Is(err, context.Canceled) || errors.Is(err, running.ErrStopped) ||
			errors.Is(err, mux.ErrTerminated) {
			return
		}
		m.scheduleRetry(ctx, err)
		return
	}
	m.resetRetry()
	// Cancellation by a schema change relaunches without backoff: the
	// required set was already rewritten by the listener.
	m.checkAndStartBackfill(ctx)
}

// driveBackfill iterates the streamer's lazy sequence, wrapping the
// yielded changes in synthetic transactions on the multiplexer. The
// reservation is yielded between messages whenever another producer is
// waiting. A nil return means the backfill finished or was cancelled;
// an error schedules a retry.
func (m *Manager) driveBackfill(ctx context.Context, rb *runningBackfill) error {
	req := rb.request
	iter := m.streamer(ctx, req)
	// Streamers holding a connection release it here; cancellation can
	// abandon the sequence before it is exhausted.
	defer func() {
		if closer, ok := iter.(io.Closer); ok {
			_ = closer.Close()
		}
	}()

	var (
		inTx        bool
		grantedWM   string
		txWatermark string
	)

	// finish commits the open transaction and releases the stream.
	finish := func() error {
		if !inTx {
			return nil
		}
		inTx = false
		if err := m.mux.Push(ctx, changestream.Commit{Watermark: txWatermark}); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(m.mux.Release(txWatermark))
	}
	// abort rolls back the open transaction. Errors are swallowed: the
	// stream may already be terminating, and the caller is on its own
	// error path.
	abort := func() {
		if !inTx {
			return
		}
		inTx = false
		_ = m.mux.Push(ctx, changestream.Rollback{})
		_ = m.mux.Release(grantedWM)
	}

	for {
		change, ok, err := iter.Next(ctx)
		if err != nil {
			abort()
			return errors.Trace(err)
		}
		if !ok {
			break
		}

		// Cooperative yield: if another producer has been waiting for
		// the stream, close out the current transaction so it can run.
		if inTx {
			if _, waiting := m.mux.WaiterDelay(); waiting {
				if err := finish(); err != nil {
					return errors.Trace(err)
				}
			}
		}

		if b, isRows := change.(changestream.Backfill); isRows {
			if len(b.RowValues) > 0 && len(b.KeyColumns) == 0 {
				abort()
				return errors.Annotatef(ErrMissingRowKey, "table %s", b.Table.String())
			}
		}

		if !inTx {
			granted, err := m.mux.Reserve(ctx, producerName)
			if err != nil {
				return errors.Trace(err)
			}

			// Cancellation is honoured lazily, at reservation points.
			if reason := m.cancellation(rb); reason != "" {
				m.logger.Infof(ctx, "backfill of %s canceled: %s", req.Table.String(), reason)
				if err := m.mux.Release(granted); err != nil {
					return errors.Trace(err)
				}
				return nil
			}
			if b, isRows := change.(changestream.Backfill); isRows {
				if min := m.snapshotFloor(rb); min != "" && corewatermark.Compare(b.Watermark, min) < 0 {
					reason := "row key change at " + min + " postdates backfill watermark at " + b.Watermark
					m.cancelRunning(reason)
					m.logger.Infof(ctx, "backfill of %s canceled: %s", req.Table.String(), reason)
					if err := m.mux.Release(granted); err != nil {
						return errors.Trace(err)
					}
					return nil
				}
			}

			wm, err := corewatermark.Parse(granted)
			if err != nil {
				_ = m.mux.Release(granted)
				return errors.Annotatef(err, "reserved watermark %q", granted)
			}
			grantedWM = granted
			txWatermark = wm.Succ().String()
			if err := m.mux.Push(ctx, changestream.Begin{CommitWatermark: txWatermark}); err != nil {
				_ = m.mux.Release(granted)
				return errors.Trace(err)
			}
			inTx = true
		}

		// A completion is only valid once the main stream has reached
		// the snapshot it was read at, so consumers never see backfill
		// data from their future.
		if completed, isCompleted := change.(changestream.BackfillCompleted); isCompleted {
			if err := m.changeStreamReached(ctx, completed.Watermark); err != nil {
				abort()
				return errors.Trace(err)
			}
		}

		// Push blocks until the downstream consumer accepts the
		// message, pacing the streamer.
		if err := m.mux.Push(ctx, changestream.Data{Change: change}); err != nil {
			abort()
			return errors.Trace(err)
		}
	}

	if err := finish(); err != nil {
		return errors.Trace(err)
	}

	if m.metrics != nil {
		m.metrics.BackfillsCompletedInc()
	}
	m.logger.Infof(ctx, "backfill of %s completed", req.Table.String())
	return nil
}

// cancellation returns the pending cancellation reason for rb.
func (m *Manager) cancellation(rb *runningBackfill) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rb.canceledReason
}

// snapshotFloor returns the minimum snapshot watermark for rb.
func (m *Manager) snapshotFloor(rb *runningBackfill) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rb.minWatermark
}
