// Package metrics provides Prometheus metrics for rdma-write.
//
// Exposed when the CLI runs with --metrics-addr:
//
//   - rdma_write_qp_transitions_total: queue pair transitions by target state and result
//   - rdma_write_exchanges_total: descriptor exchanges by channel and result
//   - rdma_write_writes_total: RDMA WRITE completions by status
//   - rdma_write_bytes_written_total: payload bytes of successful writes
//   - rdma_write_completion_seconds: latency from post to completion
//   - rdma_write_outstanding_requests: signalled work requests not yet completed
//   - rdma_write_errors_total: fatal errors by taxonomy kind
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nativu5/rdma-write/pkg/types"
)

const namespace = "rdma_write"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Collector holds the metric vectors registered for one process.
type Collector struct {
	Transitions       *prometheus.CounterVec
	Exchanges         *prometheus.CounterVec
	Writes            *prometheus.CounterVec
	BytesWritten      prometheus.Counter
	CompletionLatency prometheus.Histogram
	Outstanding       prometheus.Gauge
	Errors            *prometheus.CounterVec
}

// New registers the collector's metrics with reg. Passing nil uses a private
// registry, which keeps tests independent of each other.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qp_transitions_total",
			Help:      "Queue pair state transitions by target state and result",
		}, []string{"state", "result"}),
		Exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Endpoint descriptor exchanges by channel and result",
		}, []string{"channel", "result"}),
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "RDMA WRITE completions by work completion status",
		}, []string{"status"}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Payload bytes carried by successful RDMA WRITEs",
		}),
		CompletionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_seconds",
			Help:      "Time from posting a work request to polling its completion",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),
		Outstanding: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_requests",
			Help:      "Signalled work requests posted but not yet completed",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Fatal errors by kind",
		}, []string{"kind"}),
	}
}

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultError
}

// ObserveTransition counts a transition attempt towards state.
func (c *Collector) ObserveTransition(state string, ok bool) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(state, result(ok)).Inc()
}

// ObserveExchange counts a descriptor exchange over channel.
func (c *Collector) ObserveExchange(channel string, err error) {
	if c == nil {
		return
	}
	c.Exchanges.WithLabelValues(channel, result(err == nil)).Inc()
}

// ObserveCompletion records one polled work completion.
func (c *Collector) ObserveCompletion(status string, ok bool, bytes uint32, latency time.Duration) {
	if c == nil {
		return
	}
	c.Writes.WithLabelValues(status).Inc()
	if ok {
		c.BytesWritten.Add(float64(bytes))
	}
	c.CompletionLatency.Observe(latency.Seconds())
}

// SetOutstanding sets the outstanding request gauge.
func (c *Collector) SetOutstanding(n int) {
	if c == nil {
		return
	}
	c.Outstanding.Set(float64(n))
}

// ObserveError counts err under its taxonomy kind. Nil errors are ignored.
func (c *Collector) ObserveError(err error) {
	if c == nil || err == nil {
		return
	}
	c.Errors.WithLabelValues(types.KindLabel(err)).Inc()
}
