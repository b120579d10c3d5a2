// Package monitoring provides metrics and observability.
// This package implements:
// - Per-node Prometheus metrics for requests, votes and views
// - Commit latency quantiles
// - /metrics and /health endpoints
package monitoring
