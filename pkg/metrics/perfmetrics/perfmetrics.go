// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perfmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/ktrace/pkg/metrics/consts"
)

var (
	SamplesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "perf_samples_total",
		Help:        "The total number of samples written to perf ring buffers.",
		ConstLabels: nil,
	})
	SamplesLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "perf_samples_lost_total",
		Help:        "The total number of perf samples lost per reason.",
		ConstLabels: nil,
	}, []string{"reason"})
)

func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(SamplesWritten)
	registry.MustRegister(SamplesLost)
}

func LostInc(reason string) {
	SamplesLost.WithLabelValues(reason).Inc()
}
