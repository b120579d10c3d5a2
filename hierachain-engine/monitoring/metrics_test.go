package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	next:
		for _, metric := range fam.GetMetric() {
			have := map[string]string{}
			for _, lp := range metric.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue next
				}
			}
			switch {
			case metric.Counter != nil:
				return metric.Counter.GetValue()
			case metric.Gauge != nil:
				return metric.Gauge.GetValue()
			case metric.Histogram != nil:
				return float64(metric.Histogram.GetSampleCount())
			case metric.Summary != nil:
				return float64(metric.Summary.GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestMetricsPerNodeRegistries(t *testing.T) {
	a := NewMetrics("bft", "node-0")
	b := NewMetrics("bft", "node-1")

	a.RequestsSubmitted.Inc()
	a.RequestsSubmitted.Inc()
	b.RequestsSubmitted.Inc()

	assert.Equal(t, 2.0, gatherValue(t, a, "bft_requests_submitted_total", map[string]string{"node": "node-0"}))
	assert.Equal(t, 1.0, gatherValue(t, b, "bft_requests_submitted_total", map[string]string{"node": "node-1"}))
}

func TestMetricsRecordHelpers(t *testing.T) {
	m := NewMetrics("bft", "node-0")

	m.RecordMessage("PREPARE", "")
	m.RecordMessage("PREPARE", "duplicate")
	m.RecordExecution(false)
	m.RecordExecution(true)
	m.RecordCommitLatency(20 * time.Millisecond)
	m.UpdateProtocol(3, 42, 40, 5)
	m.RecordGRPCRequest("SubmitRequest", "OK", time.Millisecond)

	assert.Equal(t, 2.0, gatherValue(t, m, "bft_messages_received_total", map[string]string{"type": "PREPARE"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "bft_messages_rejected_total", map[string]string{"type": "PREPARE", "reason": "duplicate"}))
	assert.Equal(t, 2.0, gatherValue(t, m, "bft_requests_executed_total", nil))
	assert.Equal(t, 1.0, gatherValue(t, m, "bft_requests_failed_total", nil))
	assert.Equal(t, 1.0, gatherValue(t, m, "bft_commit_latency_seconds", nil))
	assert.Equal(t, 1.0, gatherValue(t, m, "bft_commit_latency_quantiles_seconds", map[string]string{"node": "node-0"}))
	assert.Equal(t, uint64(1), m.Latency.Quantiles().Count)
	assert.Equal(t, 3.0, gatherValue(t, m, "bft_current_view", nil))
	assert.Equal(t, 42.0, gatherValue(t, m, "bft_last_executed_sequence", nil))
	assert.Equal(t, 40.0, gatherValue(t, m, "bft_stable_checkpoint_sequence", nil))
	assert.Equal(t, 5.0, gatherValue(t, m, "bft_pending_requests", nil))
	assert.Equal(t, 1.0, gatherValue(t, m, "bft_grpc_requests_total", map[string]string{"method": "SubmitRequest", "status": "OK"}))
}

func TestLatencyRecorder(t *testing.T) {
	r := NewLatencyRecorder(time.Minute)
	assert.Equal(t, LatencyQuantiles{}, r.Quantiles())

	for i := 1; i <= 100; i++ {
		r.Observe(time.Duration(i) * time.Millisecond)
	}
	q := r.Quantiles()
	assert.Equal(t, uint64(100), q.Count)
	assert.InDelta(t, 50, q.P50, 3)
	assert.InDelta(t, 95, q.P95, 3)
	assert.InDelta(t, 99, q.P99, 3)
	assert.LessOrEqual(t, q.P50, q.P95)
	assert.LessOrEqual(t, q.P95, q.P99)
}

func TestMetricsServerEndpoints(t *testing.T) {
	m := NewMetrics("bft", "node-0")
	m.RequestsSubmitted.Inc()

	healthy := true
	srv := NewMetricsServer(":0", m.Registry(), func() (bool, map[string]any) {
		return healthy, map[string]any{"node": "node-0"}
	}, logrus.New())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bft_requests_submitted_total"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "node-0", body["node"])

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
