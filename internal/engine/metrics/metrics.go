// Package metrics exports the lifecycle controller's per-tick stats as
// Prometheus collectors, grounded on the teacher's DLQMetrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbuscall/nimbuscall/internal/engine/stats"
)

// Collector holds the Prometheus collectors the stats emitter feeds once
// per tick, per function.
type Collector struct {
	invocationsTotal *prometheus.CounterVec
	completedTotal   *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	executionSeconds *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbuscall",
		Name:      name,
		Help:      help,
	}, []string{"function"})
}

// New returns a Collector backed by registerer, or the global default
// registry if registerer is nil.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collector{
		registerer:       registerer,
		invocationsTotal: newCounterVec("invocations_total", "Invocations admitted, per function."),
		completedTotal:   newCounterVec("completed_total", "Invocations completed successfully, per function."),
		retriesTotal:     newCounterVec("retries_total", "Transient-error retries, per function."),
		errorsTotal:      newCounterVec("errors_total", "Invocations that ended in error, per function."),
		executionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nimbuscall",
			Name:      "execution_seconds",
			Help:      "Remote function execution time, per function.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
	}
}

// Register registers every collector. Safe to call multiple times.
func (c *Collector) Register() error {
	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.invocationsTotal,
		c.completedTotal,
		c.retriesTotal,
		c.errorsTotal,
		c.executionSeconds,
	}
	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

// Observe feeds one stats-emitter tick for a single function: the counter
// deltas since the previous tick, and the execution-time series the tick's
// FunctionStatsSnapshot summarizes. The series only carries aggregate
// mean/stdev, not raw samples, so the histogram receives one observation of
// the tick's mean execution time rather than one per call.
func (c *Collector) Observe(name string, delta stats.Counters, snap stats.FunctionStatsSnapshot) {
	c.invocationsTotal.WithLabelValues(name).Add(float64(delta.Invocations))
	c.completedTotal.WithLabelValues(name).Add(float64(delta.Completed))
	c.retriesTotal.WithLabelValues(name).Add(float64(delta.Retries))
	c.errorsTotal.WithLabelValues(name).Add(float64(delta.Errors))
	if snap.ExecutionTime.Samples > 0 {
		c.executionSeconds.WithLabelValues(name).Observe(snap.ExecutionTime.Mean / 1000)
	}
}
