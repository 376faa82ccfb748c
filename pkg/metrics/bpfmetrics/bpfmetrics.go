// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package bpfmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/ktrace/pkg/metrics/consts"
)

var (
	ProgRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "bpf_prog_runs_total",
		Help:        "The total number of BPF program runs per attach point kind.",
		ConstLabels: nil,
	}, []string{"attach"})
	ProgFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "bpf_prog_faults_total",
		Help:        "The total number of aborted BPF program runs per fault reason.",
		ConstLabels: nil,
	}, []string{"reason"})
	MapOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   consts.MetricsNamespace,
		Name:        "bpf_map_ops_total",
		Help:        "The total number of BPF map operations per operation and result.",
		ConstLabels: nil,
	}, []string{"op", "result"})
)

func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(ProgRuns)
	registry.MustRegister(ProgFaults)
	registry.MustRegister(MapOps)
}

func RunInc(attach string) {
	ProgRuns.WithLabelValues(attach).Inc()
}

func FaultInc(reason string) {
	ProgFaults.WithLabelValues(reason).Inc()
}

// MapOpInc accounts one map operation, err being its result.
func MapOpInc(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MapOps.WithLabelValues(op, result).Inc()
}
