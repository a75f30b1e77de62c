// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package stream pumps the upstream change source into the
// multiplexer. The reader that actually speaks the upstream dialect is
// injected as a Source; this package owns the reservation discipline
// around it: each upstream transaction is pushed between one reserve
// and one release, statuses bypass the reservation, and a broken
// source is reopened from the last released watermark with exponential
// backoff.
package stream

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/internal/changestream/mux"
	"github.com/juju/zerocache/internal/running"
)

// producerName is the name under which the stream reserves the change
// stream.
const producerName = "change-source"

// ErrSourceEnded is the cause recorded when the upstream source closes
// its sequence. The stream reopens the source after backoff.
const ErrSourceEnded = errors.ConstError("change source ended")

// errProtocol marks a message sequence the source must never produce.
// The stream stops rather than retry: reconnecting cannot repair a
// misbehaving reader.
const errProtocol = errors.ConstError("change source protocol violation")

// Source opens the upstream change stream. Implementations are the
// dialect-specific readers; the stream only requires that the returned
// iterator yields well-formed transactions starting after the given
// watermark.
type Source interface {
	Open(ctx context.Context, afterWatermark string) (Iterator, error)
}

// Iterator is a lazy sequence of change stream messages.
type Iterator interface {
	// Next returns the next message. ok is false once the source has
	// ended the sequence.
	Next(ctx context.Context) (msg changestream.Message, ok bool, err error)

	// Close releases the source connection.
	Close() error
}

// Stream is the main producer on the multiplexer.
type Stream struct {
	source Source
	mux    *mux.Multiplexer
	state  *running.State
	logger logger.Logger

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup

	mu sync.Mutex
	// watermark is the position the source is opened from: the last
	// released commit, or the replica position before the first open.
	watermark string
	inTx      bool
}

// New returns a stream wired to the multiplexer as a producer. Call
// Run to start pumping from the given replica watermark.
func New(source Source, m *mux.Multiplexer, clk clock.Clock, logger logger.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		source:    source,
		mux:       m,
		state:     running.NewState("change-stream", clk, logger),
		logger:    logger,
		ctx:       ctx,
		ctxCancel: cancel,
	}
	m.RegisterProducer(s)
	return s
}

// Run starts the pump from the given watermark and returns. The pump
// keeps reopening the source until the stream is cancelled or the
// multiplexer terminates.
func (s *Stream) Run(lastWatermark string) {
	s.mu.Lock()
	s.watermark = lastWatermark
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Cancel stops the pump. Invoked by the multiplexer when the
// downstream subscription is torn down.
func (s *Stream) Cancel() {
	s.ctxCancel()
	s.state.Stop(context.Background(), context.Canceled)
	s.wg.Wait()
}

// Stopped returns a channel closed once the stream has stopped.
func (s *Stream) Stopped() <-chan struct{} {
	return s.state.Stopped()
}

// Report returns a map of the current state of the stream, for the
// engine report.
func (s *Stream) Report() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"watermark":      s.watermark,
		"in-transaction": s.inTx,
	}
}

func (s *Stream) loop() {
	ctx := s.ctx
	for s.state.ShouldRun() {
		err := s.pump(ctx)
		if err == nil {
			s.state.Stop(ctx, nil)
			return
		}
		if errors.Is(err, mux.ErrTerminated) {
			s.state.Stop(ctx, err)
			return
		}
		if errors.Is(err, errProtocol) {
			// A misbehaving source is unrecoverable; take the stream
			// down with us so consumers see the failure.
			s.mux.Fail(err)
			s.state.Stop(ctx, err)
			return
		}
		if err := s.state.Backoff(ctx, err); err != nil {
			return
		}
	}
}

// pump opens the source at the current watermark and forwards messages
// until the source ends or fails. A nil return means the stream was
// cancelled cleanly.
func (s *Stream) pump(ctx context.Context) error {
	s.mu.Lock()
	from := s.watermark
	s.mu.Unlock()

	iter, err := s.source.Open(ctx, from)
	if err != nil {
		return errors.Annotatef(err, "opening change source at %q", from)
	}
	defer func() {
		if err := iter.Close(); err != nil {
			s.logger.Debugf(ctx, "closing change source: %v", err)
		}
	}()
	// Iterators may block in reads that ignore the context; closing
	// the iterator is the cancellation that always works.
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = iter.Close()
		case <-pumpDone:
		}
	}()
	s.logger.Infof(ctx, "change source open at %q", from)

	var granted string

	// abort restores the stream invariants after a failure inside a
	// transaction: the half-pushed transaction is rolled back and the
	// reservation released at the watermark it was granted at.
	abort := func() {
		if !s.setInTx(false) {
			return
		}
		_ = s.mux.Push(ctx, changestream.Rollback{})
		_ = s.mux.Release(granted)
	}

	for {
		msg, ok, err := iter.Next(ctx)
		if err != nil {
			abort()
			if errors.Is(err, context.Canceled) && !s.state.ShouldRun() {
				return nil
			}
			return errors.Trace(err)
		}
		if !ok {
			abort()
			return errors.Trace(ErrSourceEnded)
		}

		switch m := msg.(type) {
		case changestream.Begin:
			if s.isInTx() {
				abort()
				return errors.Annotatef(errProtocol, "begin inside open transaction")
			}
			granted, err = s.mux.Reserve(ctx, producerName)
			if err != nil {
				return errors.Trace(err)
			}
			s.setInTx(true)
			if err := s.mux.Push(ctx, m); err != nil {
				abort()
				return errors.Trace(err)
			}

		case changestream.Commit:
			if !s.isInTx() {
				return errors.Annotatef(errProtocol, "commit outside transaction")
			}
			if err := s.mux.Push(ctx, m); err != nil {
				abort()
				return errors.Trace(err)
			}
			s.setInTx(false)
			if err := s.mux.Release(m.Watermark); err != nil {
				return errors.Trace(err)
			}
			s.setWatermark(m.Watermark)
			s.state.ResetBackoff()

		case changestream.Rollback:
			if !s.isInTx() {
				return errors.Annotatef(errProtocol, "rollback outside transaction")
			}
			if err := s.mux.Push(ctx, m); err != nil {
				abort()
				return errors.Trace(err)
			}
			s.setInTx(false)
			if err := s.mux.Release(granted); err != nil {
				return errors.Trace(err)
			}

		case changestream.Data:
			if !s.isInTx() {
				return errors.Annotatef(errProtocol, "data outside transaction")
			}
			if err := s.mux.Push(ctx, m); err != nil {
				abort()
				return errors.Trace(err)
			}

		case changestream.Status:
			if s.isInTx() {
				abort()
				return errors.Annotatef(errProtocol, "status inside transaction")
			}
			if err := s.mux.PushStatus(ctx, m); err != nil {
				return errors.Trace(err)
			}

		default:
			abort()
			return errors.Annotatef(errProtocol, "unknown message kind %q", msg.MessageKind())
		}
	}
}

func (s *Stream) isInTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// setInTx records the transaction state, reporting whether it changed.
func (s *Stream) setInTx(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.inTx != v
	s.inTx = v
	return changed
}

func (s *Stream) setWatermark(wm string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = wm
}
