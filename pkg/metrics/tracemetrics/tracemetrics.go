// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracemetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/ktrace/pkg/metrics/consts"
)

var (
	TraceRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "trace_records_total",
		Help:        "The total number of records written to the trace buffer per event.",
		ConstLabels: nil,
	}, []string{"event"})
	TraceDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "trace_records_dropped_total",
		Help:        "The total number of trace buffer records overwritten before being read.",
		ConstLabels: nil,
	})
	CallbackErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "tracepoint_callback_errors_total",
		Help:        "The total number of failed tracepoint callbacks per event.",
		ConstLabels: nil,
	}, []string{"event"})
)

func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(TraceRecords)
	registry.MustRegister(TraceDropped)
	registry.MustRegister(CallbackErrors)
}
