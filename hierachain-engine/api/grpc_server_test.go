package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewGRPCServerRequiresNode(t *testing.T) {
	_, err := NewGRPCServer(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestGRPCSubmitOrdersOnPrimary(t *testing.T) {
	c := newTestCluster(t, nil)
	client, metrics := serveGRPC(t, c.primary())
	ctx := testContext(t)

	for i, op := range ops(3) {
		resp, err := client.SubmitRequest(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, "node-0", resp.NodeID)
		assert.Equal(t, uint64(i+1), resp.Sequence)
		assert.False(t, resp.Forwarded)
	}
	c.net.Run(0)

	m, err := client.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.ExecutedRequests)
	assert.Equal(t, 0, m.PendingRequests)
	assert.Equal(t, float64(3), grpcCount(t, metrics, MethodSubmitRequest, codes.OK.String()))
}

func TestGRPCSubmitOnReplicaFails(t *testing.T) {
	c := newTestCluster(t, nil)
	client, metrics := serveGRPC(t, c.nodes["node-1"])

	_, err := client.SubmitRequest(testContext(t), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, float64(1), grpcCount(t, metrics, MethodSubmitRequest, codes.FailedPrecondition.String()))
}

func TestGRPCSubmitWhenPendingFull(t *testing.T) {
	c := newTestCluster(t, func(cfg *node.Config) { cfg.MaxPending = 1 })
	client, _ := serveGRPC(t, c.primary())
	ctx := testContext(t)

	_, err := client.SubmitRequest(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = client.SubmitRequest(ctx, []byte("b"))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGRPCForwardRequest(t *testing.T) {
	c := newTestCluster(t, nil)
	client, _ := serveGRPC(t, c.nodes["node-2"])

	resp, err := client.ForwardRequest(testContext(t), []byte("forwarded"))
	require.NoError(t, err)
	assert.True(t, resp.Forwarded)
	assert.Zero(t, resp.Sequence)

	c.net.Run(0)
	for _, id := range c.ids {
		assert.Equal(t, uint64(1), c.nodes[id].LastExecuted(), id)
	}
}

func TestGRPCExportCheckpoint(t *testing.T) {
	c := newTestCluster(t, func(cfg *node.Config) {
		cfg.Consensus.CheckpointInterval = 2
		cfg.Consensus.WatermarkWindow = 4
	})
	client, _ := serveGRPC(t, c.primary())
	ctx := testContext(t)

	_, err := client.ExportCheckpoint(ctx)
	assert.Equal(t, codes.NotFound, status.Code(err))

	for _, op := range ops(2) {
		_, err := client.SubmitRequest(ctx, op)
		require.NoError(t, err)
	}
	c.net.Run(0)

	snap, err := client.ExportCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.Equal(t, c.primary().StateDigest(), snap.StateDigest)
	assert.GreaterOrEqual(t, len(snap.Proofs), 3)

	// A lagging replica can install what the client fetched.
	lagging := newTestCluster(t, nil).nodes["node-3"]
	require.NoError(t, lagging.ImportCheckpoint(snap))
	assert.Equal(t, uint64(2), lagging.LastExecuted())
}

func TestGRPCHealthAndStats(t *testing.T) {
	c := newTestCluster(t, nil)
	client, _ := serveGRPC(t, c.primary())
	ctx := testContext(t)

	health, err := client.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, Version, health.Version)
	assert.Equal(t, "node-0", health.Details["node_id"])

	stats, err := client.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-0", stats.NodeID)
	assert.True(t, stats.IsPrimary)
	assert.Equal(t, "node-0", stats.Primary)
	assert.Equal(t, 2, stats.WorkerPool.Workers)
}
