// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mux serializes transactions from multiple cooperative
// producers into a single ordered downstream subscription. At any
// moment the stream is either quiescent at a watermark or reserved by
// exactly one producer, which then owns exclusive push rights until
// it releases the stream at a new watermark. Waiting producers are
// served in FIFO order, and can advertise how long they have been
// waiting so the reservation holder can yield cooperatively.
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/watermark"
)

const (
	// ErrTerminated is reported by operations on a multiplexer whose
	// downstream subscription has ended.
	ErrTerminated = errors.ConstError("change stream terminated")

	// ErrCanceled is the termination cause recorded when the
	// downstream consumer cancels the subscription.
	ErrCanceled = errors.ConstError("change stream canceled")

	// ErrNotReserved is reported by Push when no reservation is held.
	// This is always a programming error in the producer.
	ErrNotReserved = errors.ConstError("push without reservation")
)

// statusHolder is the holder name recorded while the multiplexer
// briefly takes the reservation itself to deliver an acked status.
const statusHolder = "status"

// Listener observes every message pushed through the multiplexer,
// including statuses that are withheld from the downstream
// subscription. Listeners are invoked synchronously inside Push,
// before the message is enqueued downstream.
type Listener interface {
	OnChange(ctx context.Context, msg changestream.Message)
}

// Cancelable is a producer teardown hook, invoked when the stream
// terminates.
type Cancelable interface {
	Cancel()
}

// MetricsCollector represents the metrics methods called.
type MetricsCollector interface {
	ReserveWaitsInc(producer string)
	PushesInc(kind string)
	TerminationsInc(reason string)
}

type waiter struct {
	producer string
	start    time.Time
	ch       chan string
	canceled bool
}

// Multiplexer is the change-stream multiplexer. The zero value is not
// usable; construct with New.
type Multiplexer struct {
	clock   clock.Clock
	logger  logger.Logger
	metrics MetricsCollector

	mu sync.Mutex
	// reserved is true while a producer owns push rights. While
	// reserved, current is the watermark at which the reservation was
	// granted.
	reserved  bool
	holder    string
	current   string
	waiters   []*waiter
	listeners []Listener
	producers []Cancelable

	// pendingStatuses holds acked statuses that arrived while a
	// producer held the reservation. They are delivered downstream
	// once the stream is quiescent, never inside a transaction.
	pendingStatuses []changestream.Status

	out     chan changestream.Message
	done    chan struct{}
	failure error
}

// New returns a multiplexer quiescent at the given watermark.
func New(initialWatermark string, clk clock.Clock, metrics MetricsCollector, logger logger.Logger) *Multiplexer {
	return &Multiplexer{
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		current: initialWatermark,
		out:     make(chan changestream.Message),
		done:    make(chan struct{}),
	}
}

// AddListener registers a listener for all pushed messages.
func (m *Multiplexer) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RegisterProducer registers a producer to be cancelled when the
// stream terminates. Registration after termination cancels
// immediately.
func (m *Multiplexer) RegisterProducer(p Cancelable) {
	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		p.Cancel()
		return
	}
	m.producers = append(m.producers, p)
	m.mu.Unlock()
}

// Reserve acquires exclusive push rights for the named producer,
// returning the watermark the stream is at. If the stream is
// quiescent the reservation is granted synchronously; otherwise the
// caller joins a FIFO queue and blocks until the current holder
// releases.
func (m *Multiplexer) Reserve(ctx context.Context, producer string) (string, error) {
	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		return "", errors.Annotatef(ErrTerminated, "reserving for %q", producer)
	}
	if !m.reserved {
		m.reserved = true
		m.holder = producer
		current := m.current
		m.mu.Unlock()
		return current, nil
	}

	w := &waiter{
		producer: producer,
		start:    m.clock.Now(),
		ch:       make(chan string, 1),
	}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReserveWaitsInc(producer)
	}

	select {
	case wm := <-w.ch:
		return wm, nil
	case <-m.done:
		return "", errors.Annotatef(ErrTerminated, "reserving for %q", producer)
	case <-ctx.Done():
		m.mu.Lock()
		w.canceled = true
		m.mu.Unlock()
		// The release may have raced the cancellation; if the
		// watermark was already handed over, pass it on rather than
		// dropping the reservation on the floor.
		select {
		case wm := <-w.ch:
			m.handOver(wm)
			return "", errors.Trace(ctx.Err())
		default:
			return "", errors.Trace(ctx.Err())
		}
	}
}

// Release gives up the reservation at newWatermark. If producers are
// waiting, the oldest is granted the reservation at that watermark;
// otherwise the stream becomes quiescent. The watermark must never
// regress below the value the reservation was granted at.
func (m *Multiplexer) Release(newWatermark string) error {
	m.mu.Lock()
	if !m.reserved {
		m.mu.Unlock()
		return errors.Errorf("release of unreserved stream at %q", newWatermark)
	}
	if watermark.Compare(newWatermark, m.current) < 0 {
		holder := m.holder
		m.mu.Unlock()
		return errors.Errorf("%q released watermark %q below %q", holder, newWatermark, m.current)
	}
	m.mu.Unlock()
	m.handOver(newWatermark)
	return nil
}

func (m *Multiplexer) handOver(newWatermark string) {
	m.mu.Lock()
	m.current = newWatermark
	for len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		if next.canceled {
			continue
		}
		m.holder = next.producer
		m.mu.Unlock()
		next.ch <- newWatermark
		return
	}

	// Deliver statuses deferred during the reservation before
	// surrendering it, so they cannot interleave with a new holder's
	// transaction. The reservation stays held for the duration; late
	// reservers queue as waiters and are served afterwards.
	if len(m.pendingStatuses) > 0 {
		pending := m.pendingStatuses
		m.pendingStatuses = nil
		m.holder = statusHolder
		m.mu.Unlock()
		for _, status := range pending {
			select {
			case m.out <- status:
			case <-m.done:
				return
			}
		}
		m.handOver(newWatermark)
		return
	}

	m.reserved = false
	m.holder = ""
	m.mu.Unlock()
}

// WaiterDelay reports how long the oldest waiting producer has been
// queued. ok is false when nobody is waiting. Producers holding a
// long reservation use this to decide whether to yield.
func (m *Multiplexer) WaiterDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.waiters {
		if w.canceled {
			continue
		}
		return m.clock.Now().Sub(w.start), true
	}
	return 0, false
}

// Push forwards a message to all listeners and then enqueues it on
// the downstream subscription, blocking until the consumer accepts it
// so that slow consumers pace fast producers. The caller must hold
// the reservation.
func (m *Multiplexer) Push(ctx context.Context, msg changestream.Message) error {
	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		return errors.Trace(ErrTerminated)
	}
	if !m.reserved {
		m.mu.Unlock()
		return errors.Trace(ErrNotReserved)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnChange(ctx, msg)
	}
	if m.metrics != nil {
		m.metrics.PushesInc(string(msg.MessageKind()))
	}

	select {
	case m.out <- msg:
		return nil
	case <-m.done:
		return errors.Trace(ErrTerminated)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// PushStatus forwards a status message. No reservation is required.
// Listeners always see the status immediately; the downstream
// subscription only receives it when it requires an acknowledgement,
// and never inside another producer's transaction: a status pushed
// while the stream is reserved is held back until the stream is next
// quiescent.
func (m *Multiplexer) PushStatus(ctx context.Context, status changestream.Status) error {
	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		return errors.Trace(ErrTerminated)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnChange(ctx, status)
	}
	if !status.Ack {
		return nil
	}
	if m.metrics != nil {
		m.metrics.PushesInc(string(changestream.KindStatus))
	}

	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		return errors.Trace(ErrTerminated)
	}
	if m.reserved {
		m.pendingStatuses = append(m.pendingStatuses, status)
		m.mu.Unlock()
		return nil
	}
	// Take the reservation for the send so no transaction can open
	// around the status.
	m.reserved = true
	m.holder = statusHolder
	current := m.current
	m.mu.Unlock()

	select {
	case m.out <- status:
		m.handOver(current)
		return nil
	case <-m.done:
		return errors.Trace(ErrTerminated)
	case <-ctx.Done():
		m.handOver(current)
		return errors.Trace(ctx.Err())
	}
}

// Fail terminates the downstream subscription with the given error
// and cancels all registered producers.
func (m *Multiplexer) Fail(err error) {
	m.terminate(err)
}

func (m *Multiplexer) terminate(cause error) {
	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		return
	}
	if cause == nil {
		cause = ErrTerminated
	}
	m.failure = cause
	producers := m.producers
	m.producers = nil
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TerminationsInc(cause.Error())
	}
	m.logger.Infof(context.Background(), "change stream terminating: %v", cause)

	close(m.done)
	for _, p := range producers {
		p.Cancel()
	}
}

// Err returns the termination cause, or nil while the stream is live.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errors.Is(m.failure, ErrTerminated) {
		return nil
	}
	return m.failure
}

// AsSource returns the consumer-facing view of the downstream
// subscription.
func (m *Multiplexer) AsSource() *Source {
	return &Source{mux: m}
}

// Report returns a map of the current state of the multiplexer, for
// the engine report.
func (m *Multiplexer) Report() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting := 0
	for _, w := range m.waiters {
		if !w.canceled {
			waiting++
		}
	}
	report := map[string]any{
		"reserved":  m.reserved,
		"watermark": m.current,
		"waiters":   waiting,
		"listeners": len(m.listeners),
	}
	if m.reserved {
		report["holder"] = m.holder
	}
	return report
}

// Source is the downstream subscription: a lazy sequence of messages
// ending when the stream terminates.
type Source struct {
	mux *Multiplexer
}

// Changes returns the message channel. Consumers must also select on
// Done to observe termination.
func (s *Source) Changes() <-chan changestream.Message {
	return s.mux.out
}

// Done returns a channel closed when the stream has terminated.
func (s *Source) Done() <-chan struct{} {
	return s.mux.done
}

// Err returns the termination cause after Done is closed. A graceful
// end reports nil.
func (s *Source) Err() error {
	return s.mux.Err()
}

// Next blocks for the next message. ok is false once the stream has
// terminated; the cause is then available via Err.
func (s *Source) Next(ctx context.Context) (changestream.Message, bool, error) {
	select {
	case msg := <-s.mux.out:
		return msg, true, nil
	case <-s.mux.done:
		return nil, false, s.Err()
	case <-ctx.Done():
		return nil, false, errors.Trace(ctx.Err())
	}
}

// Cancel ends the subscription from the consumer side, cancelling all
// registered producers.
func (s *Source) Cancel() {
	s.mux.terminate(ErrCanceled)
}
