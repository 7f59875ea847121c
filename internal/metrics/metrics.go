// Package metrics exposes fabricd's Prometheus metrics.
//
// Metrics are grouped in a *Metrics value built against a registerer, so
// tests can use a private registry. All methods are safe on a nil receiver,
// which turns them into no-ops.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "fabricd"
	subsystem = "orchestrator"
)

// Metrics holds the orchestrator's collectors.
type Metrics struct {
	transactions        *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	queueRejections     prometheus.Counter
	queueDepth          prometheus.Gauge
	phaseWrites         *prometheus.CounterVec
	monitorPolls        prometheus.Counter
	recoveryWiped       prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transactions_total",
				Help:      "Transactions finished, by result code",
			},
			[]string{"result"},
		),
		transactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transaction_duration_seconds",
				Help:      "Time from dequeue to reply, by scenario",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"scenario"},
		),
		queueRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_rejections_total",
				Help:      "Submits rejected because the inbound queue was full",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Requests waiting in the inbound queue",
			},
		),
		phaseWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "device_phase_writes_total",
				Help:      "Device status writes, by phase",
			},
			[]string{"phase"},
		),
		monitorPolls: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "monitor_polls_total",
				Help:      "Status store polls made by transaction monitors",
			},
		),
		recoveryWiped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recovery_wiped_total",
				Help:      "Leftover transactions removed at startup",
			},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default
// Prometheus registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// TransactionFinished counts a finished transaction and its duration.
func (m *Metrics) TransactionFinished(scenario, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(result).Inc()
	if scenario == "" {
		scenario = "unresolved"
	}
	m.transactionDuration.WithLabelValues(scenario).Observe(d.Seconds())
}

// QueueRejected counts a rejected Submit.
func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejections.Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// PhaseWritten counts a device status write.
func (m *Metrics) PhaseWritten(phase string) {
	if m == nil {
		return
	}
	m.phaseWrites.WithLabelValues(phase).Inc()
}

// MonitorPolled counts one monitor poll.
func (m *Metrics) MonitorPolled() {
	if m == nil {
		return
	}
	m.monitorPolls.Inc()
}

// RecoveryWiped counts transactions removed by recovery.
func (m *Metrics) RecoveryWiped(n int) {
	if m == nil {
		return
	}
	m.recoveryWiped.Add(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetupMetricsEndpoint starts an HTTP server exposing the default registry on
// /metrics. The caller shuts it down.
func SetupMetricsEndpoint(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return server
}
