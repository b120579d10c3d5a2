package monitoring

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// LatencyQuantiles are commit latencies in milliseconds.
type LatencyQuantiles struct {
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count uint64  `json:"count"`
}

// LatencyRecorder tracks submission-to-commit latency quantiles over a
// sliding window.
type LatencyRecorder struct {
	summary prometheus.Summary
}

func latencySummaryOpts(namespace string, maxAge time.Duration) prometheus.SummaryOpts {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return prometheus.SummaryOpts{
		Namespace:  namespace,
		Name:       "commit_latency_quantiles_seconds",
		Help:       "Submission to commit latency quantiles",
		Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
		MaxAge:     maxAge,
	}
}

// NewLatencyRecorder creates an unregistered recorder whose quantiles cover
// maxAge.
func NewLatencyRecorder(maxAge time.Duration) *LatencyRecorder {
	return &LatencyRecorder{summary: prometheus.NewSummary(latencySummaryOpts("", maxAge))}
}

// Observe records one latency.
func (r *LatencyRecorder) Observe(d time.Duration) {
	r.summary.Observe(d.Seconds())
}

// Quantiles returns P50/P95/P99 in milliseconds; zero before any sample.
func (r *LatencyRecorder) Quantiles() LatencyQuantiles {
	var m dto.Metric
	if err := r.summary.Write(&m); err != nil || m.Summary == nil {
		return LatencyQuantiles{}
	}

	out := LatencyQuantiles{Count: m.Summary.GetSampleCount()}
	for _, q := range m.Summary.GetQuantile() {
		v := q.GetValue()
		if math.IsNaN(v) {
			v = 0
		}
		ms := v * 1000
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = ms
		case 0.95:
			out.P95 = ms
		case 0.99:
			out.P99 = ms
		}
	}
	return out
}
