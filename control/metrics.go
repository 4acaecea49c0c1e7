// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors fed by reactor observer callbacks.

package control

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentics/hioload-aio/api"
)

var _ api.Observer = (*Metrics)(nil)

// Metrics implements api.Observer on a private prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	outstanding prometheus.GaugeFunc
	work        atomic.Pointer[func() int64]
	lastWork    atomic.Int64
	completed   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	discarded   *prometheus.CounterVec
	panics      *prometheus.CounterVec
}

// NewMetrics registers the reactor collectors under namespace.
func NewMetrics(namespace string) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "operations_completed_total",
			Help:      "Completion handlers executed",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "operation_duration_seconds",
			Help:      "Time from operation creation to handler completion",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
		}, []string{"kind"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "operations_discarded_total",
			Help:      "Operations destroyed without running their handler",
		}, []string{"kind"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "handler_panics_total",
			Help:      "Completion handlers that panicked",
		}, []string{"kind"}),
	}
	m.outstanding = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reactor",
		Name:      "outstanding_work",
		Help:      "Operations started but not yet completed or discarded",
	}, m.readWork)
	for _, c := range []prometheus.Collector{m.outstanding, m.completed, m.duration, m.discarded, m.panics} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("control: register metric: %w", err)
		}
	}
	return m, nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BindWork makes the outstanding work gauge read fn at scrape time, e.g.
// IOService.OutstandingWork.
func (m *Metrics) BindWork(fn func() int64) {
	m.work.Store(&fn)
}

func (m *Metrics) readWork() float64 {
	if fn := m.work.Load(); fn != nil {
		return float64((*fn)())
	}
	return float64(m.lastWork.Load())
}

// WorkChanged records the count reported by an unbound reactor. Concurrent
// reports may land out of order, so BindWork is preferred.
func (m *Metrics) WorkChanged(outstanding int64) {
	m.lastWork.Store(outstanding)
}

func (m *Metrics) OperationCompleted(kind api.OpKind, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.completed.WithLabelValues(kind.String(), result).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) OperationDiscarded(kind api.OpKind) {
	m.discarded.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) HandlerPanicked(kind api.OpKind, _ any) {
	m.panics.WithLabelValues(kind.String()).Inc()
}
