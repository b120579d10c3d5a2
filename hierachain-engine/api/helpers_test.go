package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/monitoring"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testCluster struct {
	net   *network.LocalNetwork
	ids   []string
	nodes map[string]*node.Node
}

func newTestCluster(t testing.TB, mutate func(*node.Config)) *testCluster {
	t.Helper()
	ids := []string{"node-0", "node-1", "node-2", "node-3"}
	registry := consensus.NewKeyRegistry()
	keys := make(map[string]*consensus.KeyPair)
	for i, id := range ids {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		kp, err := consensus.KeyPairFromSeed(seed)
		require.NoError(t, err)
		keys[id] = kp
		require.NoError(t, registry.Register(id, kp.PublicKey()))
	}

	c := &testCluster{net: network.NewLocalNetwork(), ids: ids, nodes: map[string]*node.Node{}}
	app := consensus.ApplicationFunc(func(op []byte) ([]byte, error) { return op, nil })
	for _, id := range ids {
		cfg := node.DefaultConfig(id, ids)
		cfg.VerifyWorkers = 2
		if mutate != nil {
			mutate(&cfg)
		}
		n, err := node.New(cfg, keys[id], registry, c.net.Endpoint(id), app, node.WithLogger(quietLogger()))
		require.NoError(t, err)
		t.Cleanup(n.Close)
		c.nodes[id] = n
	}
	return c
}

func (c *testCluster) primary() *node.Node { return c.nodes["node-0"] }

// serveGRPC runs a GRPCServer for n over an in-memory listener.
func serveGRPC(t *testing.T, n NodeService) (*Client, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics("test", n.ID())
	srv, err := NewGRPCServer(nil, n, metrics, quietLogger())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, metrics
}

func grpcCount(t *testing.T, m *monitoring.Metrics, method, code string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "test_grpc_requests_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["status"] == code {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func ops(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("op-%d", i))
	}
	return out
}
