package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one node.
type Metrics struct {
	// Request metrics
	RequestsSubmitted prometheus.Counter
	RequestsExecuted  prometheus.Counter
	RequestsFailed    prometheus.Counter
	CommitLatency     prometheus.Histogram
	Latency           *LatencyRecorder

	// Protocol metrics
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	ViewChanges      prometheus.Counter
	CurrentView      prometheus.Gauge
	LastExecuted     prometheus.Gauge
	StableCheckpoint prometheus.Gauge
	PendingRequests  prometheus.Gauge

	// Worker pool metrics
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics registers a fresh set of collectors on their own registry so
// several nodes can live in one process.
func NewMetrics(namespace, nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"node": nodeID}, reg))

	return &Metrics{
		registry: reg,

		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of requests submitted to this node",
		}),
		RequestsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_executed_total",
			Help:      "Total number of committed requests executed",
		}),
		RequestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total number of executed requests whose operation returned an error",
		}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Latency from submission to commit callback in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Latency: &LatencyRecorder{summary: factory.NewSummary(latencySummaryOpts(namespace, 0))},

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages received by type",
		}, []string{"type"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Protocol messages dropped by type and reason",
		}, []string{"type", "reason"}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_changes_total",
			Help:      "Number of views installed after the initial one",
		}),
		CurrentView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_view",
			Help:      "Installed view number",
		}),
		LastExecuted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_executed_sequence",
			Help:      "Highest executed sequence number",
		}),
		StableCheckpoint: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stable_checkpoint_sequence",
			Help:      "Sequence of the last stable checkpoint",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Submitted requests not yet committed",
		}),

		WorkerPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of active workers",
		}),
		WorkerPoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of pending tasks in worker pool",
		}),

		GRPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExecution records one executed request.
func (m *Metrics) RecordExecution(failed bool) {
	m.RequestsExecuted.Inc()
	if failed {
		m.RequestsFailed.Inc()
	}
}

// RecordCommitLatency observes submission-to-commit latency.
func (m *Metrics) RecordCommitLatency(d time.Duration) {
	m.CommitLatency.Observe(d.Seconds())
	m.Latency.Observe(d)
}

// RecordMessage counts an incoming message and, when reason is non-empty,
// its rejection.
func (m *Metrics) RecordMessage(msgType, reason string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
	if reason != "" {
		m.MessagesRejected.WithLabelValues(msgType, reason).Inc()
	}
}

// UpdateProtocol refreshes the protocol gauges.
func (m *Metrics) UpdateProtocol(view, lastExecuted, stable uint64, pending int) {
	m.CurrentView.Set(float64(view))
	m.LastExecuted.Set(float64(lastExecuted))
	m.StableCheckpoint.Set(float64(stable))
	m.PendingRequests.Set(float64(pending))
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(active, pending int) {
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolPending.Set(float64(pending))
}
