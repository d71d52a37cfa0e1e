// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Execution paths of DataParallel.Run, used as the "path" label of the metrics.
const (
	PathLocal       = "local"
	PathSingle      = "single"
	PathDistributed = "distributed"
)

const metricsNamespace = "pytorchpipe"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "data_parallel",
		Name:      "runs_total",
		Help:      "Number of DataParallel runs, by component, execution path and outcome.",
	}, []string{"component", "path", "outcome"})

	runSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "data_parallel",
		Name:      "run_seconds",
		Help:      "Duration of the successful DataParallel runs.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"component", "path"})

	replicaFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "data_parallel",
		Name:      "replica_failures_total",
		Help:      "Number of replicas that failed (error or panic) during ParallelApply.",
	}, []string{"component", "device"})

	shardsUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "data_parallel",
		Name:      "shards",
		Help:      "Number of shards the last distributed run of the component was split into.",
	}, []string{"component"})
)

// Collectors returns the metrics of the package. They are updated whether they are registered or not.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{runsTotal, runSeconds, replicaFailuresTotal, shardsUsed}
}

// RegisterMetrics registers the package metrics with reg. Registering twice with the same registerer is not
// an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return errors.Wrap(err, "failed to register DataParallel metrics")
		}
	}
	return nil
}

func (r *dataParallelRun) observe(path string, elapsed time.Duration, err error) {
	name := r.dp.Name()
	if err != nil {
		runsTotal.WithLabelValues(name, path, "error").Inc()
		var replicaErr *ReplicaExecutionError
		if errors.As(err, &replicaErr) {
			replicaFailuresTotal.WithLabelValues(name, replicaErr.Device.String()).Inc()
		}
		return
	}
	runsTotal.WithLabelValues(name, path, "ok").Inc()
	runSeconds.WithLabelValues(name, path).Observe(elapsed.Seconds())
}
