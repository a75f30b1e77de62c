// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backfill drives historical data loads for newly published
// tables and columns. The manager is both a listener and a producer
// on the change-stream multiplexer: it reacts to schema changes seen
// on the main stream by adding, rewriting and cancelling backfill
// work, and it pushes the resulting backfill transactions through the
// same multiplexer, yielding the reservation whenever the main stream
// producer is waiting.
package backfill

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/core/logger"
	corewatermark "github.com/juju/zerocache/core/watermark"
	"github.com/juju/zerocache/internal/changestream/mux"
	"github.com/juju/zerocache/internal/running"
)

const (
	// producerName is the name under which the manager reserves the
	// change stream.
	producerName = "backfill"

	// initialRetryDelay is the first retry sleep after a failed
	// backfill.
	initialRetryDelay = 2 * time.Second

	// maxRetryDelay caps the retry sleep.
	maxRetryDelay = 60 * time.Second
)

const (
	// ErrMissingRowKey is reported when a backfill produces rows for
	// a table that has no row key columns. The backfill is retried
	// with backoff: the usual resolution is the table gaining a
	// primary key upstream.
	ErrMissingRowKey = errors.ConstError("backfill rows for table without row key")
)

// Streamer produces the lazy, finite backfill sequence for one
// request. The yielded changes are Backfill batches terminated by a
// BackfillCompleted.
type Streamer func(ctx context.Context, req changestream.BackfillRequest) Iterator

// Iterator is a lazy sequence of backfill changes.
type Iterator interface {
	// Next returns the next change. ok is false at the end of the
	// sequence.
	Next(ctx context.Context) (changestream.Change, bool, error)
}

// MetricsCollector represents the metrics methods called.
type MetricsCollector interface {
	BackfillsStartedInc()
	BackfillsCompletedInc()
	BackfillRetriesInc()
}

// runningBackfill tracks the in-flight backfill.
type runningBackfill struct {
	request changestream.BackfillRequest

	// canceledReason, once set, makes the driver release the stream
	// and stop at the next reservation point.
	canceledReason string

	// minWatermark is a lower bound the backfill snapshot must meet.
	// It is set when a row key change on the main stream invalidates
	// data read from an older snapshot.
	minWatermark string
}

type awaitingWatermark struct {
	watermark string
	ch        chan struct{}
}

// Manager owns backfill scheduling for the replication manager.
type Manager struct {
	mux      *mux.Multiplexer
	streamer Streamer
	state    *running.State
	clock    clock.Clock
	logger   logger.Logger
	metrics  MetricsCollector

	ctx       context.Context
	ctxCancel context.CancelFunc

	// wg tracks driver goroutines so Cancel can join them.
	wg sync.WaitGroup

	mu       sync.Mutex
	stopping bool
	required map[changestream.TableID]changestream.BackfillRequest
	running  *runningBackfill

	// lastStatusWatermark is the highest commit or status watermark
	// seen on the main stream.
	lastStatusWatermark string
	awaiting            []awaitingWatermark

	// currentTxWatermark is the commit watermark of the currently
	// open transaction on the main stream.
	currentTxWatermark string

	retryPending bool
	retryAttempt int

	// pickIndex selects a request from n candidates. Overridden in
	// tests to pin scheduling order.
	pickIndex func(n int) int
}

// NewManager returns a backfill manager wired to the multiplexer as
// both listener and producer. Call Run to seed the initial requests.
func NewManager(m *mux.Multiplexer, streamer Streamer, clk clock.Clock, metrics MetricsCollector, logger logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		mux:      m,
		streamer: streamer,
		state: running.NewState("backfill-manager", clk, logger,
			running.WithRetryDelays(initialRetryDelay, maxRetryDelay)),
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
		ctx:       ctx,
		ctxCancel: cancel,
		required:  make(map[changestream.TableID]changestream.BackfillRequest),
		pickIndex: rand.Intn,
	}
	m.AddListener(mgr)
	m.RegisterProducer(mgr)
	return mgr
}

// Run seeds the manager with the backfills pending at startup and
// kicks the scheduler. lastWatermark is the replica's position and is
// used as the initial main-stream watermark.
func (m *Manager) Run(ctx context.Context, lastWatermark string, initial []changestream.BackfillRequest) {
	m.mu.Lock()
	m.lastStatusWatermark = lastWatermark
	for _, req := range initial {
		m.required[req.Table.TableID] = req.Clone()
	}
	m.mu.Unlock()

	m.checkAndStartBackfill(ctx)
}

// Cancel stops the manager: the running backfill is cancelled with a
// terminal reason and the retry timer is cleared. Invoked by the
// multiplexer when the downstream subscription is torn down.
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.stopping = true
	if m.running != nil && m.running.canceledReason == "" {
		m.running.canceledReason = "change stream canceled"
	}
	m.mu.Unlock()

	m.ctxCancel()
	m.state.Stop(context.Background(), context.Canceled)
	m.wg.Wait()
}

// Stopped returns a channel closed once the manager has been
// cancelled.
func (m *Manager) Stopped() <-chan struct{} {
	return m.state.Stopped()
}

// Report returns a map of the current state of the manager, for the
// engine report.
func (m *Manager) Report() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := make([]string, 0, len(m.required))
	for id := range m.required {
		tables = append(tables, id.String())
	}
	sort.Strings(tables)

	report := map[string]any{
		"required":              tables,
		"last-status-watermark": m.lastStatusWatermark,
		"retry-pending":         m.retryPending,
	}
	if m.running != nil {
		report["running"] = m.running.request.Table.String()
		if m.running.canceledReason != "" {
			report["canceled-reason"] = m.running.canceledReason
		}
	}
	return report
}

// checkAndStartBackfill starts a backfill if none is running, no
// retry timer is pending, and work is required. The request is picked
// uniformly at random to avoid head-of-line blocking on a
// pathological table.
func (m *Manager) checkAndStartBackfill(ctx context.Context) {
	if !m.state.ShouldRun() {
		return
	}

	m.mu.Lock()
	if m.stopping || m.running != nil || m.retryPending || len(m.required) == 0 {
		m.mu.Unlock()
		return
	}

	ids := make([]changestream.TableID, 0, len(m.required))
	for id := range m.required {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	req := m.required[ids[m.pickIndex(len(ids))]].Clone()
	rb := &runningBackfill{request: req}
	m.running = rb
	m.wg.Add(1)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BackfillsStartedInc()
	}
	m.logger.Infof(ctx, "starting backfill of %s (%d columns)",
		req.Table.String(), len(req.Columns))

	go func() {
		defer m.wg.Done()
		m.runBackfill(rb)
	}()
}

// scheduleRetry arms the retry timer with exponential backoff.
func (m *Manager) scheduleRetry(ctx context.Context, cause error) {
	m.mu.Lock()
	if m.retryPending {
		m.mu.Unlock()
		return
	}
	m.retryPending = true
	m.retryAttempt++
	delay := retryDelay(m.retryAttempt)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BackfillRetriesInc()
	}
	m.logger.Warningf(ctx, "backfill failed, retrying in %v: %v", delay, cause)

	m.state.SetTimeout(func() {
		m.mu.Lock()
		m.retryPending = false
		m.mu.Unlock()
		m.checkAndStartBackfill(m.ctx)
	}, delay)
}

func retryDelay(attempt int) time.Duration {
	delay := initialRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// resetRetry restores the retry delay after a successful backfill.
func (m *Manager) resetRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryAttempt = 0
}

// changeStreamReached blocks until the main stream has seen a commit
// or status watermark at or beyond wm. Statuses are delivered to the
// manager even while it holds the reservation, so this cannot starve.
func (m *Manager) changeStreamReached(ctx context.Context, wm string) error {
	m.mu.Lock()
	if corewatermark.Compare(m.lastStatusWatermark, wm) >= 0 {
		m.mu.Unlock()
		return nil
	}
	waiter := awaitingWatermark{watermark: wm, ch: make(chan struct{})}
	m.awaiting = append(m.awaiting, waiter)
	m.mu.Unlock()

	select {
	case <-waiter.ch:
		return nil
	case <-m.state.Stopped():
		return errors.Trace(running.ErrStopped)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// advanceStatusWatermark records a new main-stream watermark and
// wakes anyone waiting for it.
func (m *Manager) advanceStatusWatermark(wm string) {
	m.mu.Lock()
	if corewatermark.Compare(wm, m.lastStatusWatermark) > 0 {
		m.lastStatusWatermark = wm
	}
	remaining := m.awaiting[:0]
	var woken []chan struct{}
	for _, a := range m.awaiting {
		if corewatermark.Compare(a.watermark, m.lastStatusWatermark) <= 0 {
			woken = append(woken, a.ch)
			continue
		}
		remaining = append(remaining, a)
	}
	m.awaiting = remaining
	m.mu.Unlock()

	for _, ch := range woken {
		close(ch)
	}
}

// cancelRunning marks the running backfill as cancelled. The driver
// honours the reason at its next reservation point.
func (m *Manager) cancelRunning(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == nil || m.running.canceledReason != "" {
		return
	}
	m.running.canceledReason = reason
}

// clearRunning drops the running-backfill state, unless a listener
// already cleared it and the scheduler moved on to another backfill.
func (m *Manager) clearRunning(rb *runningBackfill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == rb {
		m.running = nil
	}
}
