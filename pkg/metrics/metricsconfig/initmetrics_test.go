// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package metricsconfig

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/metrics/bpfmetrics"
	"github.com/cilium/ktrace/pkg/metrics/probemetrics"
)

func TestInitAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { InitAllMetrics(reg) })

	before := testutil.ToFloat64(probemetrics.ProbeHits.WithLabelValues("kprobe"))
	probemetrics.HitInc("kprobe")
	assert.Equal(t, before+1, testutil.ToFloat64(probemetrics.ProbeHits.WithLabelValues("kprobe")))

	bpfmetrics.MapOpInc("update", nil)
	n, err := testutil.GatherAndCount(reg, "ktrace_bpf_map_ops_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
