package node

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/network"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type committed struct {
	mu  sync.Mutex
	ops []string
}

func (c *committed) add(req *consensus.Request, result []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, string(req.Operation))
}

func (c *committed) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type cluster struct {
	net     *network.LocalNetwork
	ids     []string
	nodes   map[string]*Node
	commits map[string]*committed
	clock   *fakeClock
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func echoApp() consensus.Application {
	return consensus.ApplicationFunc(func(op []byte) ([]byte, error) {
		if string(op) == "fail" {
			return nil, errors.New("rejected by application")
		}
		return append([]byte("ok:"), op...), nil
	})
}

func clusterKeys(t *testing.T, ids []string) (map[string]*consensus.KeyPair, *consensus.KeyRegistry) {
	t.Helper()
	keys := make(map[string]*consensus.KeyPair, len(ids))
	registry := consensus.NewKeyRegistry()
	for i, id := range ids {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		kp, err := consensus.KeyPairFromSeed(seed)
		require.NoError(t, err)
		keys[id] = kp
		require.NoError(t, registry.Register(id, kp.PublicKey()))
	}
	return keys, registry
}

func newCluster(t *testing.T, n int, mutate func(*Config)) *cluster {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
	}
	keys, registry := clusterKeys(t, ids)

	c := &cluster{
		net:     network.NewLocalNetwork(),
		ids:     ids,
		nodes:   make(map[string]*Node),
		commits: make(map[string]*committed),
		clock:   newFakeClock(),
	}
	for _, id := range ids {
		cfg := DefaultConfig(id, ids)
		cfg.Consensus.ViewChangeTimeout = time.Second
		cfg.VerifyWorkers = 2
		if mutate != nil {
			mutate(&cfg)
		}
		nd, err := New(cfg, keys[id], registry, c.net.Endpoint(id), echoApp(),
			WithLogger(quietLogger()), WithClock(c.clock.Now))
		require.NoError(t, err)
		t.Cleanup(nd.Close)

		rec := &committed{}
		nd.OnCommit(rec.add)
		c.nodes[id] = nd
		c.commits[id] = rec
	}
	return c
}

func (c *cluster) run() { c.net.Run(0) }

func (c *cluster) tickAll() {
	for _, id := range c.ids {
		c.nodes[id].Tick()
	}
}

func TestNewFailsFast(t *testing.T) {
	ids := []string{"node-0", "node-1", "node-2"}
	keys, registry := clusterKeys(t, ids)
	net := network.NewLocalNetwork()

	cfg := DefaultConfig("node-0", ids)
	cfg.Consensus.F = 1
	_, err := New(cfg, keys["node-0"], registry, net.Endpoint("node-0"), echoApp())
	assert.ErrorIs(t, err, consensus.ErrInsufficientNodes)

	ids = append(ids, "node-3")
	keys, registry = clusterKeys(t, ids)
	cfg = DefaultConfig("node-0", ids)
	cfg.Consensus.TotalNodes = 7
	_, err = New(cfg, keys["node-0"], registry, net.Endpoint("node-0"), echoApp())
	assert.ErrorIs(t, err, consensus.ErrNodeCountMismatch)

	cfg = DefaultConfig("node-0", ids)
	_, err = New(cfg, keys["node-0"], registry, nil, echoApp())
	assert.ErrorIs(t, err, ErrNoTransport)

	cfg.MaxPending = 0
	_, err = New(cfg, keys["node-0"], registry, net.Endpoint("node-0"), echoApp())
	assert.ErrorIs(t, err, consensus.ErrInvalidConfig)
}

func TestSubmitCommitsEverywhereInOrder(t *testing.T) {
	c := newCluster(t, 4, nil)
	primary := c.nodes["node-0"]
	require.True(t, primary.IsPrimary())

	for i := 1; i <= 3; i++ {
		seq, err := primary.SubmitRequest([]byte(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, 3, primary.GetMetrics().PendingRequests)
	c.run()

	want := []string{"op-1", "op-2", "op-3"}
	digest := primary.StateDigest()
	for _, id := range c.ids {
		assert.Equal(t, want, c.commits[id].list(), id)
		assert.Equal(t, uint64(3), c.nodes[id].LastExecuted(), id)
		assert.Equal(t, digest, c.nodes[id].StateDigest(), id)
	}

	m := primary.GetMetrics()
	assert.Equal(t, Metrics{CurrentSequence: 3, PendingRequests: 0, ExecutedRequests: 3, CurrentView: 0}, m)

	stats := primary.GetStats()
	assert.Equal(t, uint64(3), stats.LatencySamples)
	assert.Equal(t, "node-0", stats.Primary)
	assert.Equal(t, "local", stats.TransportMetrics["transport"])
	assert.False(t, stats.ViewChanging)
}

func TestCommitLatencyIncludesCallbacks(t *testing.T) {
	c := newCluster(t, 4, nil)
	primary := c.nodes["node-0"]
	primary.OnCommit(func(*consensus.Request, []byte) { c.clock.Advance(40 * time.Millisecond) })

	_, err := primary.SubmitRequest([]byte("op-1"))
	require.NoError(t, err)
	c.run()

	stats := primary.GetStats()
	require.Equal(t, uint64(1), stats.LatencySamples)
	assert.InDelta(t, 40, stats.LatencyP50, 0.5)

	families, err := primary.Metrics().Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, fam := range families {
		if !strings.HasSuffix(fam.GetName(), "commit_latency_quantiles_seconds") {
			continue
		}
		require.Len(t, fam.GetMetric(), 1)
		metric := fam.GetMetric()[0]
		assert.Equal(t, uint64(1), metric.GetSummary().GetSampleCount())
		require.Len(t, metric.GetLabel(), 1)
		assert.Equal(t, "node", metric.GetLabel()[0].GetName())
		assert.Equal(t, "node-0", metric.GetLabel()[0].GetValue())
		found = true
	}
	assert.True(t, found, "latency summary is exported with the node label")
}

func TestSubmitOnReplicaFails(t *testing.T) {
	c := newCluster(t, 4, nil)
	_, err := c.nodes["node-1"].SubmitRequest([]byte("op"))
	assert.ErrorIs(t, err, consensus.ErrNotPrimary)
	assert.Equal(t, 0, c.nodes["node-1"].GetMetrics().PendingRequests)
}

func TestFailedOperationCommitsWithNilResult(t *testing.T) {
	c := newCluster(t, 4, nil)
	var results [][]byte
	c.nodes["node-1"].OnCommit(func(req *consensus.Request, result []byte) {
		results = append(results, result)
	})

	_, err := c.nodes["node-0"].SubmitRequest([]byte("fail"))
	require.NoError(t, err)
	_, err = c.nodes["node-0"].SubmitRequest([]byte("ok"))
	require.NoError(t, err)
	c.run()

	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	assert.Equal(t, []byte("ok:ok"), results[1])
	assert.Equal(t, []string{"fail", "ok"}, c.commits["node-1"].list())
}

func TestForwardRequestCollectsReplies(t *testing.T) {
	c := newCluster(t, 4, nil)
	replica := c.nodes["node-2"]

	require.NoError(t, replica.ForwardRequest([]byte("forwarded")))
	assert.Equal(t, 1, replica.GetStats().Pending.Forwarded)
	c.run()

	for _, id := range c.ids {
		assert.Equal(t, []string{"forwarded"}, c.commits[id].list(), id)
	}
	stats := replica.GetStats()
	assert.Equal(t, 0, stats.Pending.Size)
	assert.Equal(t, uint64(3), stats.RepliesReceived)
	assert.Equal(t, uint64(1), stats.RepliesConfirmed)
}

func TestForwardRequestOnPrimaryProposesDirectly(t *testing.T) {
	c := newCluster(t, 4, nil)
	require.NoError(t, c.nodes["node-0"].ForwardRequest([]byte("direct")))
	assert.Equal(t, uint64(1), c.nodes["node-0"].GetMetrics().CurrentSequence)
	c.run()
	assert.Equal(t, []string{"direct"}, c.commits["node-3"].list())
}

func TestPendingLimit(t *testing.T) {
	c := newCluster(t, 4, func(cfg *Config) { cfg.MaxPending = 1 })
	primary := c.nodes["node-0"]

	_, err := primary.SubmitRequest([]byte("a"))
	require.NoError(t, err)
	_, err = primary.SubmitRequest([]byte("b"))
	assert.ErrorIs(t, err, ErrPendingFull)
	assert.NoError(t, c.nodes["node-1"].ForwardRequest([]byte("c")))

	c.run()
	_, err = primary.SubmitRequest([]byte("b"))
	assert.NoError(t, err)
}

func TestCallbacksMayCallBackIntoNode(t *testing.T) {
	c := newCluster(t, 4, nil)
	primary := c.nodes["node-0"]

	var seen []uint64
	primary.OnCommit(func(req *consensus.Request, result []byte) {
		seen = append(seen, primary.GetMetrics().ExecutedRequests)
		if string(req.Operation) == "first" {
			_, err := primary.SubmitRequest([]byte("second"))
			assert.NoError(t, err)
		}
	})

	_, err := primary.SubmitRequest([]byte("first"))
	require.NoError(t, err)
	c.run()

	assert.Equal(t, []string{"first", "second"}, c.commits["node-0"].list())
	assert.Equal(t, []uint64{1, 2}, seen)
	assert.Equal(t, []string{"first", "second"}, c.commits["node-3"].list())
}

func TestViewChangeAfterPrimaryFailure(t *testing.T) {
	c := newCluster(t, 4, nil)
	c.net.Disconnect("node-0")

	require.NoError(t, c.nodes["node-2"].ForwardRequest([]byte("stuck")))
	c.run()
	assert.Empty(t, c.commits["node-2"].list())

	c.clock.Advance(2 * time.Second)
	c.tickAll()

	stats := c.nodes["node-1"].GetStats()
	assert.True(t, stats.ViewChanging)
	healthy, _ := c.nodes["node-1"].Health()
	assert.False(t, healthy)

	c.run()

	for _, id := range []string{"node-1", "node-2", "node-3"} {
		nd := c.nodes[id]
		assert.Equal(t, uint64(1), nd.CurrentView(), id)
		assert.Equal(t, []string{"stuck"}, c.commits[id].list(), id)
		assert.Equal(t, uint64(1), nd.GetStats().ViewChanges, id)
	}
	assert.True(t, c.nodes["node-1"].IsPrimary())
	healthy, details := c.nodes["node-1"].Health()
	assert.True(t, healthy)
	assert.Equal(t, uint64(1), details["view"])
}

func TestCheckpointExportImport(t *testing.T) {
	c := newCluster(t, 4, func(cfg *Config) {
		cfg.Consensus.CheckpointInterval = 2
		cfg.Consensus.WatermarkWindow = 4
	})
	c.net.Disconnect("node-3")

	primary := c.nodes["node-0"]
	for i := 1; i <= 4; i++ {
		_, err := primary.SubmitRequest([]byte(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
		c.run()
	}

	snap, err := primary.ExportCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Sequence)
	assert.GreaterOrEqual(t, len(snap.Proofs), 3)

	lagging := c.nodes["node-3"]
	assert.Equal(t, uint64(0), lagging.LastExecuted())
	require.NoError(t, lagging.ImportCheckpoint(snap))
	assert.Equal(t, uint64(4), lagging.LastExecuted())
	assert.Equal(t, primary.StateDigest(), lagging.StateDigest())
	assert.Empty(t, c.commits["node-3"].list())
	assert.Equal(t, uint64(4), lagging.GetStats().CheckpointStats.LastStableSequence)

	assert.ErrorIs(t, lagging.ImportCheckpoint(snap), consensus.ErrStaleCheckpoint)
	assert.ErrorIs(t, lagging.ImportCheckpoint(nil), consensus.ErrInvalidCheckpoint)
}

func TestRejectedMessagesAreCounted(t *testing.T) {
	c := newCluster(t, 4, nil)
	nd := c.nodes["node-1"]

	res := nd.HandleMessage(&consensus.Message{Type: consensus.MsgPrepare, From: "stranger", Sequence: 1})
	assert.Equal(t, consensus.Rejected(consensus.ReasonUnknownSender), res)
	res = nd.HandleMessage(nil)
	assert.True(t, res.IsRejected())

	reply := &consensus.Message{Type: consensus.MsgReply, From: "node-2", Request: &consensus.Request{ClientID: "x"}}
	res = nd.HandleMessage(reply)
	assert.Equal(t, consensus.Rejected(consensus.ReasonBadSignature), res)

	stats := nd.GetStats()
	assert.Equal(t, uint64(2), stats.MessagesHandled)
	assert.Equal(t, uint64(2), stats.MessagesRejected)
}

func TestStartStop(t *testing.T) {
	c := newCluster(t, 4, func(cfg *Config) { cfg.TickInterval = time.Millisecond })
	nd := c.nodes["node-0"]

	require.NoError(t, nd.Start())
	assert.True(t, nd.IsRunning())
	assert.ErrorIs(t, nd.Start(), ErrAlreadyActive)

	nd.Stop()
	assert.False(t, nd.IsRunning())
	nd.Stop()

	require.NoError(t, nd.Start())
	nd.Stop()
}
