package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Metrics has its own
// registry so several servers can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal *prometheus.CounterVec
	rejectedTotal    prometheus.Counter
	activeSessions   prometheus.Gauge
	linesTotal       prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	broadcastsTotal  prometheus.Counter
	broadcastFanout  prometheus.Histogram
	privateTotal     *prometheus.CounterVec
	flushDuration    prometheus.Histogram
	flushedMessages  prometheus.Counter
	flushErrorsTotal prometheus.Counter

	// Reset by the periodic [METRICS] log line
	linesSinceReport atomic.Int64
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_connections_total",
			Help: "Accepted connections by transport.",
		}, []string{"transport"}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_connections_rejected_total",
			Help: "Connections refused because the server was full.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_active_sessions",
			Help: "Currently open sessions.",
		}),
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_lines_processed_total",
			Help: "Inbound lines processed.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_commands_total",
			Help: "Commands dispatched, by command name.",
		}, []string{"command"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_broadcasts_total",
			Help: "Plain chat lines broadcast.",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_broadcast_fanout",
			Help:    "Recipients per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		privateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_private_messages_total",
			Help: "Private messages, by delivery mode.",
		}, []string{"delivery"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_pipeline_flush_seconds",
			Help:    "Duration of history batch writes.",
			Buckets: prometheus.DefBuckets,
		}),
		flushedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_pipeline_flushed_messages_total",
			Help: "Chat messages written to the history table.",
		}),
		flushErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_pipeline_flush_errors_total",
			Help: "History batches dropped because the transaction failed.",
		}),
	}

	m.registry.MustRegister(
		m.connectionsTotal,
		m.rejectedTotal,
		m.activeSessions,
		m.linesTotal,
		m.commandsTotal,
		m.broadcastsTotal,
		m.broadcastFanout,
		m.privateTotal,
		m.flushDuration,
		m.flushedMessages,
		m.flushErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.connectionsTotal.WithLabelValues(transport).Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	m.activeSessions.Dec()
}

func (m *Metrics) RecordRejected() {
	m.rejectedTotal.Inc()
}

func (m *Metrics) RecordLineProcessed() {
	m.linesTotal.Inc()
	m.linesSinceReport.Add(1)
}

func (m *Metrics) RecordCommand(name string) {
	m.commandsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordBroadcast(recipients int) {
	m.broadcastsTotal.Inc()
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordPrivate(offline bool) {
	if offline {
		m.privateTotal.WithLabelValues("offline").Inc()
		return
	}
	m.privateTotal.WithLabelValues("direct").Inc()
}

// ObserveFlush implements database.FlushObserver
func (m *Metrics) ObserveFlush(n int, d time.Duration, err error) {
	m.flushDuration.Observe(d.Seconds())
	if err != nil {
		m.flushErrorsTotal.Inc()
		return
	}
	m.flushedMessages.Add(float64(n))
}

// takeLinesSinceReport returns the line count since the previous call
func (m *Metrics) takeLinesSinceReport() int64 {
	return m.linesSinceReport.Swap(0)
}
