package consensus

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// recordingApp is a deterministic application that remembers every
// operation it applied.
type recordingApp struct {
	ops [][]byte
}

func (a *recordingApp) Apply(op []byte) ([]byte, error) {
	a.ops = append(a.ops, append([]byte(nil), op...))
	return append([]byte("ok:"), op...), nil
}

type envelope struct {
	to  string
	msg *Message
}

// testCluster wires protocols together through an in-memory FIFO queue.
type testCluster struct {
	t      *testing.T
	ids    []string
	keys   map[string]*KeyPair
	nodes  map[string]*Protocol
	apps   map[string]*recordingApp
	execs  map[string][]Execution
	clock  *fakeClock
	down   map[string]bool
	drop   func(env envelope) bool
	double bool
	queue  []envelope
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testNodeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
	}
	return ids
}

func newTestCluster(t *testing.T, n int, mutate func(*Config)) *testCluster {
	t.Helper()
	c := &testCluster{
		t:     t,
		ids:   testNodeIDs(n),
		keys:  make(map[string]*KeyPair),
		nodes: make(map[string]*Protocol),
		apps:  make(map[string]*recordingApp),
		execs: make(map[string][]Execution),
		clock: newFakeClock(),
		down:  make(map[string]bool),
	}
	for i, id := range c.ids {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		kp, err := KeyPairFromSeed(seed)
		require.NoError(t, err)
		c.keys[id] = kp
	}
	for _, id := range c.ids {
		registry := NewKeyRegistry()
		for _, peer := range c.ids {
			require.NoError(t, registry.Register(peer, c.keys[peer].PublicKey()))
		}
		cfg := DefaultConfig(id, c.ids)
		cfg.ViewChangeTimeout = time.Second
		if mutate != nil {
			mutate(&cfg)
		}
		app := &recordingApp{}
		p, err := NewProtocol(cfg, c.keys[id], registry, app,
			WithClock(c.clock.Now), WithLogger(quietLogger()))
		require.NoError(t, err)
		c.nodes[id] = p
		c.apps[id] = app
	}
	return c
}

func (c *testCluster) collect(from string) {
	p := c.nodes[from]
	c.execs[from] = append(c.execs[from], p.DrainExecutions()...)
	for _, msg := range p.DrainOutbox() {
		if c.down[from] {
			continue
		}
		for _, to := range c.ids {
			if to == from {
				continue
			}
			c.enqueue(envelope{to: to, msg: msg})
			if c.double {
				c.enqueue(envelope{to: to, msg: msg})
			}
		}
	}
}

func (c *testCluster) enqueue(env envelope) {
	clone, err := Clone(env.msg)
	require.NoError(c.t, err)
	c.queue = append(c.queue, envelope{to: env.to, msg: clone})
}

// pump delivers until no node has anything left to say.
func (c *testCluster) pump() int {
	for _, id := range c.ids {
		c.collect(id)
	}
	delivered := 0
	for len(c.queue) > 0 {
		env := c.queue[0]
		c.queue = c.queue[1:]
		if c.down[env.to] || (c.drop != nil && c.drop(env)) {
			continue
		}
		c.nodes[env.to].HandleMessage(env.msg)
		delivered++
		c.collect(env.to)
	}
	return delivered
}

func (c *testCluster) tick(ids ...string) {
	for _, id := range ids {
		c.nodes[id].Tick()
	}
}

func (c *testCluster) request(i int) *Request {
	return &Request{
		ClientID:  "client-1",
		Timestamp: int64(i),
		Operation: []byte(fmt.Sprintf("op-%d", i)),
	}
}

func (c *testCluster) signed(from string, msg *Message) *Message {
	msg.From = from
	require.NoError(c.t, c.keys[from].Sign(msg))
	return msg
}

func (c *testCluster) executedSeqs(id string) []uint64 {
	out := make([]uint64, 0, len(c.execs[id]))
	for _, e := range c.execs[id] {
		out = append(out, e.Sequence)
	}
	return out
}
