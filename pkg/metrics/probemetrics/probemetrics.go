// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package probemetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/ktrace/pkg/metrics/consts"
)

var (
	ProbeHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "probe_hits_total",
		Help:        "The total number of probe handler invocations per probe kind.",
		ConstLabels: nil,
	}, []string{"kind"})
	PointsPatched = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "probe_points_patched",
		Help:        "The number of addresses currently patched with a breakpoint.",
		ConstLabels: nil,
	})
	RetprobeMissed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "kretprobe_missed_total",
		Help:        "The total number of return probe entries not redirected because maxactive was reached.",
		ConstLabels: nil,
	})
)

func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(ProbeHits)
	registry.MustRegister(PointsPatched)
	registry.MustRegister(RetprobeMissed)
}

func HitInc(kind string) {
	ProbeHits.WithLabelValues(kind).Inc()
}
