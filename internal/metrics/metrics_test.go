// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package metrics_test

import (
	stdtesting "testing"

	"github.com/juju/tc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/juju/zerocache/internal/changestream/backfill"
	"github.com/juju/zerocache/internal/changestream/mux"
	"github.com/juju/zerocache/internal/metrics"
	"github.com/juju/zerocache/internal/pusher"
)

var (
	_ mux.MetricsCollector      = (*metrics.Collector)(nil)
	_ backfill.MetricsCollector = (*metrics.Collector)(nil)
	_ pusher.MetricsCollector   = (*metrics.Collector)(nil)
	_ prometheus.Collector      = (*metrics.Collector)(nil)
)

type metricsSuite struct{}

func TestMetricsSuite(t *stdtesting.T) {
	tc.Run(t, &metricsSuite{})
}

func (s *metricsSuite) TestRegisters(c *tc.C) {
	registry := prometheus.NewPedanticRegistry()
	c.Assert(registry.Register(metrics.NewMetricsCollector()), tc.ErrorIsNil)
}

func (s *metricsSuite) TestVecChildrenAppearOnUse(c *tc.C) {
	collector := metrics.NewMetricsCollector()

	// The plain counters exist from the start; vec children only
	// once a label value has been observed.
	base := testutil.CollectAndCount(collector)
	c.Check(base, tc.Equals, 6)

	collector.ReserveWaitsInc("replication")
	collector.PushesInc("data")
	collector.TerminationsInc("canceled")
	c.Check(testutil.CollectAndCount(collector), tc.Equals, base+3)

	collector.ReserveWaitsInc("replication")
	c.Check(testutil.CollectAndCount(collector), tc.Equals, base+3)
}
