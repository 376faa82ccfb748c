// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package vm

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/metrics/bpfmetrics"
	"github.com/cilium/ktrace/pkg/option"
)

// faultLimiter is shared by all runners: a faulting program attached to a
// hot site must not flood the log.
var faultLimiter = newFaultLimiter()

func newFaultLimiter() *rate.Limiter {
	n := option.Config.FaultLogRate
	if n <= 0 {
		n = defaults.DefaultFaultLogRate
	}
	return rate.NewLimiter(rate.Limit(n), n)
}

// Runner runs a program attached to a probe or tracepoint. Faults are
// accounted and logged, never reported to the attach site.
type Runner struct {
	vm     *VM
	attach string
	log    logrus.FieldLogger
}

// NewRunner builds the interpreter for one attachment. attach names the
// kind of site, such as "kprobe" or "tracepoint".
func NewRunner(vm *VM, attach string) *Runner {
	return &Runner{
		vm:     vm,
		attach: attach,
		log: logger.GetLogger().WithFields(logrus.Fields{
			logfields.LogSubsys: "bpf",
			logfields.Prog:      vm.Prog().Name(),
			"attach":            attach,
		}),
	}
}

func (r *Runner) VM() *VM {
	return r.vm
}

// Run executes the program on ctx and returns R0, or 0 on fault.
func (r *Runner) Run(ctx []byte) uint64 {
	bpfmetrics.RunInc(r.attach)
	ret, err := r.vm.Execute(ctx)
	if err != nil {
		bpfmetrics.FaultInc(FaultReason(err))
		if faultLimiter.Allow() {
			r.log.WithError(err).Warn("BPF program aborted")
		}
		return 0
	}
	return ret
}
