// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package metricsconfig

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cilium/ktrace/pkg/metrics/bpfmetrics"
	"github.com/cilium/ktrace/pkg/metrics/perfmetrics"
	"github.com/cilium/ktrace/pkg/metrics/probemetrics"
	"github.com/cilium/ktrace/pkg/metrics/tracemetrics"
)

func InitAllMetrics(registry *prometheus.Registry) {
	probemetrics.InitMetrics(registry)
	bpfmetrics.InitMetrics(registry)
	tracemetrics.InitMetrics(registry)
	perfmetrics.InitMetrics(registry)

	// register common third-party collectors
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
