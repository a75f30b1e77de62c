// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics implements the prometheus collector behind the
// metrics interfaces of the change stream multiplexer, the backfill
// manager and the push service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "zerocache"

// Collector is a prometheus.Collector for one replication manager
// process. It satisfies mux.MetricsCollector, backfill.MetricsCollector
// and pusher.MetricsCollector.
type Collector struct {
	reserveWaits  *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	terminations  *prometheus.CounterVec
	backfills     prometheus.Counter
	backfillsDone prometheus.Counter
	backfillRetry prometheus.Counter
	pushCalls     prometheus.Counter
	pushMutations prometheus.Counter
	pushFailures  prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		reserveWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_reserve_waits_total",
				Help:      "The number of times a producer had to wait for the change stream reservation.",
			}, []string{"producer"},
		),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_pushes_total",
				Help:      "The number of messages pushed into the change stream, by message kind.",
			}, []string{"kind"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_terminations_total",
				Help:      "The number of change stream terminations, by reason.",
			}, []string{"reason"},
		),
		backfills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backfills_started_total",
				Help:      "The number of column backfills started.",
			},
		),
		backfillsDone: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backfills_completed_total",
				Help:      "The number of column backfills completed.",
			},
		),
		backfillRetry: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backfill_retries_total",
				Help:      "The number of backfill attempts that failed and were rescheduled.",
			},
		),
		pushCalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_calls_total",
				Help:      "The number of HTTP calls made to push endpoints.",
			},
		),
		pushMutations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_mutations_total",
				Help:      "The number of mutations forwarded to push endpoints.",
			},
		),
		pushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_failures_total",
				Help:      "The number of push endpoint calls that failed.",
			},
		),
	}
}

// ReserveWaitsInc increments the reservation wait count for a producer.
func (c *Collector) ReserveWaitsInc(producer string) {
	c.reserveWaits.WithLabelValues(producer).Inc()
}

// PushesInc increments the stream push count for a message kind.
func (c *Collector) PushesInc(kind string) {
	c.pushes.WithLabelValues(kind).Inc()
}

// TerminationsInc increments the stream termination count for a reason.
func (c *Collector) TerminationsInc(reason string) {
	c.terminations.WithLabelValues(reason).Inc()
}

// BackfillsStartedInc increments the started backfill count.
func (c *Collector) BackfillsStartedInc() {
	c.backfills.Inc()
}

// BackfillsCompletedInc increments the completed backfill count.
func (c *Collector) BackfillsCompletedInc() {
	c.backfillsDone.Inc()
}

// BackfillRetriesInc increments the backfill retry count.
func (c *Collector) BackfillRetriesInc() {
	c.backfillRetry.Inc()
}

// PushCallsInc increments the push call count.
func (c *Collector) PushCallsInc() {
	c.pushCalls.Inc()
}

// PushMutationsAdd adds to the forwarded mutation count.
func (c *Collector) PushMutationsAdd(n int) {
	c.pushMutations.Add(float64(n))
}

// PushFailuresInc increments the push failure count.
func (c *Collector) PushFailuresInc() {
	c.pushFailures.Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.reserveWaits.Describe(ch)
	c.pushes.Describe(ch)
	c.terminations.Describe(ch)
	c.backfills.Describe(ch)
	c.backfillsDone.Describe(ch)
	c.backfillRetry.Describe(ch)
	c.pushCalls.Describe(ch)
	c.pushMutations.Describe(ch)
	c.pushFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.reserveWaits.Collect(ch)
	c.pushes.Collect(ch)
	c.terminations.Collect(ch)
	c.backfills.Collect(ch)
	c.backfillsDone.Collect(ch)
	c.backfillRetry.Collect(ch)
	c.pushCalls.Collect(ch)
	c.pushMutations.Collect(ch)
	c.pushFailures.Collect(ch)
}
