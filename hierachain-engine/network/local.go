package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// DropFunc decides whether a message in flight from one endpoint to
// another is lost.
type DropFunc func(from, to string, msg *consensus.Message) bool

type delivery struct {
	from string
	to   string
	msg  *consensus.Message
}

// LocalNetwork is an in-process transport. Sends enqueue a copy of the
// message; nothing is delivered until Step or Run is called, so tests
// control interleaving exactly.
type LocalNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*LocalTransport
	queue     []delivery
	drop      DropFunc
	down      map[string]bool

	delivered uint64
	dropped   uint64
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		endpoints: make(map[string]*LocalTransport),
		down:      make(map[string]bool),
	}
}

// Endpoint returns the transport for id, creating it on first use.
func (n *LocalNetwork) Endpoint(id string) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &LocalTransport{id: id, net: n, handlers: newHandlerSet()}
	n.endpoints[id] = ep
	return ep
}

// SetDropFilter installs a loss model. nil delivers everything.
func (n *LocalNetwork) SetDropFilter(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Disconnect isolates id: messages to and from it are discarded.
func (n *LocalNetwork) Disconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Reconnect undoes Disconnect.
func (n *LocalNetwork) Reconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

func (n *LocalNetwork) enqueue(from, to string, msg *consensus.Message) error {
	cp, err := consensus.Clone(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[to]; !ok {
		return ErrPeerNotFound
	}
	n.queue = append(n.queue, delivery{from: from, to: to, msg: cp})
	return nil
}

func (n *LocalNetwork) broadcast(from string, msg *consensus.Message) error {
	n.mu.Lock()
	targets := make([]string, 0, len(n.endpoints))
	for id := range n.endpoints {
		if id != from {
			targets = append(targets, id)
		}
	}
	n.mu.Unlock()
	sort.Strings(targets)

	for _, to := range targets {
		if err := n.enqueue(from, to, msg); err != nil {
			return err
		}
	}
	return nil
}

// Step delivers the oldest queued message. It reports false when the queue
// is empty.
func (n *LocalNetwork) Step() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	d := n.queue[0]
	n.queue = n.queue[1:]
	lost := n.down[d.from] || n.down[d.to] || (n.drop != nil && n.drop(d.from, d.to, d.msg))
	ep := n.endpoints[d.to]
	if lost {
		n.dropped++
	} else {
		n.delivered++
	}
	n.mu.Unlock()

	if lost {
		return true
	}
	ep.deliver(d.msg)
	return true
}

// Run delivers messages until the queue drains or max deliveries happened.
// max <= 0 means no limit. It returns the number of messages processed.
func (n *LocalNetwork) Run(max int) int {
	count := 0
	for (max <= 0 || count < max) && n.Step() {
		count++
	}
	return count
}

// Stats returns the delivered and dropped totals.
func (n *LocalNetwork) Stats() (delivered, dropped uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.dropped
}

// Pending returns the number of queued messages.
func (n *LocalNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// LocalTransport is one endpoint of a LocalNetwork.
type LocalTransport struct {
	id       string
	net      *LocalNetwork
	handlers *handlerSet

	mu        sync.Mutex
	sent      uint64
	recv      uint64
	unhandled uint64
}

// ID returns the endpoint's node ID.
func (t *LocalTransport) ID() string { return t.id }

// Broadcast queues msg for every other endpoint.
func (t *LocalTransport) Broadcast(msg *consensus.Message) error {
	t.countSent()
	return t.net.broadcast(t.id, msg)
}

// SendTo queues msg for a single endpoint.
func (t *LocalTransport) SendTo(id string, msg *consensus.Message) error {
	t.countSent()
	return t.net.enqueue(t.id, id, msg)
}

// RegisterHandler installs the handler for one message type.
func (t *LocalTransport) RegisterHandler(mt consensus.MessageType, h Handler) {
	t.handlers.register(mt, h)
}

func (t *LocalTransport) countSent() {
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
}

func (t *LocalTransport) deliver(msg *consensus.Message) {
	ok := t.handlers.dispatch(msg)
	t.mu.Lock()
	if ok {
		t.recv++
	} else {
		t.unhandled++
	}
	t.mu.Unlock()
}

// TransportStats reports per-endpoint counters.
func (t *LocalTransport) TransportStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"transport": "local",
		"node_id":   t.id,
		"sent":      t.sent,
		"received":  t.recv,
		"unhandled": t.unhandled,
	}
}
