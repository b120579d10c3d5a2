package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var replicas = []string{"node-1", "node-2", "node-3"}

func TestViewChangeAfterPrimaryCrash(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	c.down["node-0"] = true

	_, err := c.nodes["node-2"].ForwardRequest(c.request(1))
	require.NoError(t, err)
	c.pump()
	for _, id := range replicas {
		assert.Equal(t, 1, c.nodes[id].Forwarded(), id)
	}

	c.clock.Advance(2 * time.Second)
	c.tick(replicas...)
	c.pump()

	for _, id := range replicas {
		p := c.nodes[id]
		assert.Equal(t, uint64(1), p.CurrentView(), id)
		assert.False(t, p.ViewManager().ViewChanging(), id)
		assert.Equal(t, "node-1", p.ViewManager().CurrentPrimary(), id)
		assert.Equal(t, uint64(1), p.LastExecuted(), id)
		assert.Equal(t, [][]byte{[]byte("op-1")}, c.apps[id].ops, id)
	}
	assert.True(t, c.nodes["node-1"].IsPrimary())
}

func TestIdleClusterKeepsItsView(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	c.clock.Advance(time.Hour)
	c.tick(c.ids...)
	assert.Zero(t, c.pump())
	for _, id := range c.ids {
		assert.Zero(t, c.nodes[id].CurrentView())
		assert.False(t, c.nodes[id].ViewManager().ViewChanging())
	}
}

func TestPreparedRequestSurvivesViewChange(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	c.drop = func(env envelope) bool { return env.msg.Type == MsgCommit }

	req := c.request(1)
	_, err := c.nodes["node-0"].ProposeRequest(req)
	require.NoError(t, err)
	c.pump()
	for _, id := range replicas {
		st, ok := c.nodes[id].RequestState(1)
		require.True(t, ok)
		require.True(t, st.Prepared, id)
		require.False(t, st.Committed, id)
	}

	c.drop = nil
	c.down["node-0"] = true
	c.clock.Advance(2 * time.Second)
	c.tick(replicas...)
	c.pump()

	for _, id := range replicas {
		p := c.nodes[id]
		assert.Equal(t, uint64(1), p.CurrentView(), id)
		require.Len(t, c.execs[id], 1, id)
		assert.Equal(t, uint64(1), c.execs[id][0].Sequence)
		assert.Equal(t, RequestDigest(req), c.execs[id][0].Digest)
		assert.Equal(t, []byte("ok:op-1"), c.execs[id][0].Result)
	}

	_, err = c.nodes["node-1"].ProposeRequest(c.request(2))
	require.NoError(t, err)
	c.pump()
	for _, id := range replicas {
		assert.Equal(t, []uint64{1, 2}, c.executedSeqs(id), id)
	}
}

func TestViewChangeFillsGapsWithNullRequests(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	c.drop = func(env envelope) bool {
		return env.msg.Type == MsgCommit || (env.msg.Sequence == 1 && env.msg.Type == MsgPrePrepare)
	}
	for i := 1; i <= 2; i++ {
		_, err := c.nodes["node-0"].ProposeRequest(c.request(i))
		require.NoError(t, err)
	}
	c.pump()

	c.drop = nil
	c.down["node-0"] = true
	c.clock.Advance(2 * time.Second)
	c.tick(replicas...)
	c.pump()

	for _, id := range replicas {
		require.Len(t, c.execs[id], 2, id)
		assert.True(t, c.execs[id][0].Request.IsNull(), "seq 1 was never prepared")
		assert.Nil(t, c.execs[id][0].Reply)
		assert.Equal(t, []byte("ok:op-2"), c.execs[id][1].Result)
		assert.Equal(t, [][]byte{[]byte("op-2")}, c.apps[id].ops)
	}
}

func TestUnpreparedRequestIsProposedAgainInNewView(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	c.drop = func(env envelope) bool {
		return env.msg.Type == MsgPrePrepare && env.msg.From == "node-0" && env.to != "node-1"
	}

	req := c.request(1)
	_, err := c.nodes["node-2"].ForwardRequest(req)
	require.NoError(t, err)
	c.pump()
	st, ok := c.nodes["node-1"].RequestState(1)
	require.True(t, ok)
	require.False(t, st.Prepared)
	require.Zero(t, c.nodes["node-1"].Forwarded())

	c.drop = nil
	c.down["node-0"] = true
	c.clock.Advance(2 * time.Second)
	c.tick(replicas...)
	c.pump()

	for _, id := range replicas {
		p := c.nodes[id]
		assert.Equal(t, uint64(1), p.CurrentView(), id)
		assert.Equal(t, uint64(1), p.LastExecuted(), id)
		assert.Zero(t, p.Forwarded(), id)
		assert.Equal(t, [][]byte{[]byte("op-1")}, c.apps[id].ops, id)
	}

	resend := c.signed("node-2", &Message{
		Type:      MsgRequest,
		Timestamp: 5,
		View:      1,
		Digest:    RequestDigest(req),
		Request:   req,
	})
	res := c.nodes["node-1"].HandleMessage(resend)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	c.pump()
	assert.Len(t, c.apps["node-1"].ops, 1)
}

func TestReplicaJoinsViewChangeOnWeakQuorum(t *testing.T) {
	c := newTestCluster(t, 4, nil)

	c.nodes["node-1"].StartViewChange()
	c.nodes["node-2"].StartViewChange()
	c.pump()

	for _, id := range c.ids {
		assert.Equal(t, uint64(1), c.nodes[id].CurrentView(), id)
		assert.False(t, c.nodes[id].ViewManager().ViewChanging(), id)
	}
}

func TestNewViewWithTamperedReproposalsRejected(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	c.drop = func(env envelope) bool { return env.msg.Type == MsgCommit }
	_, err := c.nodes["node-0"].ProposeRequest(c.request(1))
	require.NoError(t, err)
	c.pump()

	var newView *Message
	c.drop = func(env envelope) bool {
		if env.msg.Type == MsgNewView && env.to == "node-2" {
			newView = env.msg
			return true
		}
		return false
	}
	c.down["node-0"] = true
	c.clock.Advance(2 * time.Second)
	c.tick(replicas...)
	c.pump()
	require.NotNil(t, newView)
	require.Len(t, newView.NewView.PrePrepares, 1)

	node2 := c.nodes["node-2"]
	require.True(t, node2.ViewManager().ViewChanging())

	dropped, err := Clone(newView)
	require.NoError(t, err)
	dropped.NewView.PrePrepares = nil
	require.NoError(t, c.keys["node-1"].Sign(dropped))
	assert.Equal(t, Rejected(ReasonInvalidNewView), node2.HandleNewView(dropped))

	swapped, err := Clone(newView)
	require.NoError(t, err)
	evil := c.request(99)
	swapped.NewView.PrePrepares[0].Request = evil
	swapped.NewView.PrePrepares[0].Digest = RequestDigest(evil)
	require.NoError(t, c.keys["node-1"].Sign(swapped.NewView.PrePrepares[0]))
	require.NoError(t, c.keys["node-1"].Sign(swapped))
	assert.Equal(t, Rejected(ReasonInvalidNewView), node2.HandleNewView(swapped))

	thin, err := Clone(newView)
	require.NoError(t, err)
	thin.NewView.ViewChanges = thin.NewView.ViewChanges[:2]
	require.NoError(t, c.keys["node-1"].Sign(thin))
	assert.Equal(t, Rejected(ReasonInvalidNewView), node2.HandleNewView(thin))

	impostor, err := Clone(newView)
	require.NoError(t, err)
	impostor.From = "node-3"
	require.NoError(t, c.keys["node-3"].Sign(impostor))
	assert.Equal(t, Rejected(ReasonNotFromPrimary), node2.HandleNewView(impostor))

	assert.Equal(t, Accepted(), node2.HandleNewView(newView))
	assert.Equal(t, uint64(1), node2.CurrentView())
	assert.Equal(t, Rejected(ReasonStaleView), node2.HandleNewView(newView))
}

func TestStalledViewChangeEscalates(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	node := c.nodes["node-1"]
	_, err := node.ForwardRequest(c.request(1))
	require.NoError(t, err)
	node.DrainOutbox()

	c.clock.Advance(2 * time.Second)
	node.Tick()
	out := node.DrainOutbox()
	require.Len(t, out, 1)
	assert.Equal(t, MsgViewChange, out[0].Type)
	assert.Equal(t, uint64(1), out[0].View)

	c.clock.Advance(500 * time.Millisecond)
	node.Tick()
	assert.Empty(t, node.DrainOutbox(), "timer restarted with the view change")

	c.clock.Advance(time.Second)
	node.Tick()
	out = node.DrainOutbox()
	require.Len(t, out, 1)
	assert.Equal(t, uint64(2), out[0].View)
	assert.Equal(t, uint64(2), node.ViewManager().PendingView())
	assert.Zero(t, node.CurrentView())
}

func TestViewChangeMessageValidation(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	node := c.nodes["node-1"]

	stale := c.signed("node-2", &Message{Type: MsgViewChange, View: 0, ViewChange: &ViewChange{}})
	assert.Equal(t, Rejected(ReasonStaleView), node.HandleViewChange(stale))

	req := c.request(1)
	fakeCert := PreparedCert{
		Sequence: 1,
		Digest:   RequestDigest(req),
		Request:  req,
		PrePrepare: c.signed("node-0", &Message{
			Type: MsgPrePrepare, Sequence: 1, Digest: RequestDigest(req), Request: req,
		}),
	}
	noPrepares := c.signed("node-2", &Message{Type: MsgViewChange, View: 1, ViewChange: &ViewChange{
		Prepared: []PreparedCert{fakeCert},
	}})
	assert.Equal(t, Rejected(ReasonInvalidViewChange), node.HandleViewChange(noPrepares))

	unprovenCheckpoint := c.signed("node-2", &Message{Type: MsgViewChange, View: 1, ViewChange: &ViewChange{
		StableSequence: 100,
		StableDigest:   ComputeDigest([]byte("state")),
	}})
	assert.Equal(t, Rejected(ReasonInvalidViewChange), node.HandleViewChange(unprovenCheckpoint))

	assert.Equal(t, Rejected(ReasonMalformed),
		node.HandleViewChange(c.signed("node-2", &Message{Type: MsgViewChange, View: 1})))
}

func TestViewChangeCarriesStableCheckpoint(t *testing.T) {
	c := newTestCluster(t, 4, func(cfg *Config) {
		cfg.CheckpointInterval = 2
		cfg.WatermarkWindow = 4
	})
	for i := 1; i <= 3; i++ {
		_, err := c.nodes["node-0"].ProposeRequest(c.request(i))
		require.NoError(t, err)
		c.pump()
	}
	require.Equal(t, uint64(2), c.nodes["node-1"].Checkpoints().LastStableSequence())

	c.down["node-0"] = true
	for _, id := range replicas {
		c.nodes[id].StartViewChange()
	}
	c.pump()

	for _, id := range replicas {
		p := c.nodes[id]
		assert.Equal(t, uint64(1), p.CurrentView(), id)
		assert.Equal(t, uint64(3), p.LastExecuted(), id)
		assert.Equal(t, uint64(3), p.NextSequence(), id)
	}

	_, err := c.nodes["node-1"].ProposeRequest(c.request(4))
	require.NoError(t, err)
	c.pump()
	for _, id := range replicas {
		assert.Equal(t, uint64(4), c.nodes[id].LastExecuted(), id)
		assert.Equal(t, uint64(4), c.nodes[id].Checkpoints().LastStableSequence(), id)
	}
}
