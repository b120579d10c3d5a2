package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// Envelope is the wire frame around an encoded consensus message.
type Envelope struct {
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a wire frame and the consensus message inside it.
// The envelope sender must match the message sender.
func DecodeEnvelope(data []byte) (*Envelope, *consensus.Message, error) {
	if len(data) > MaxNetworkMessageSize {
		return nil, nil, ErrMessageTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return nil, nil, errors.New("decode envelope: empty payload")
	}
	msg, err := consensus.Decode(env.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	if msg.From != env.From {
		return nil, nil, fmt.Errorf("decode envelope: sender %q carries message from %q", env.From, msg.From)
	}
	return &env, msg, nil
}

// ZmqNode is a ZeroMQ-based network node.
type ZmqNode struct {
	nodeID  string
	host    string
	port    int
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket            // ROUTER socket for receiving
	dealers map[string]zmq4.Socket // DEALER sockets for sending (per peer)

	peers map[string]*PeerInfo
	mu    sync.RWMutex

	handlers *handlerSet
	msgChan  chan *consensus.Message
	log      logrus.FieldLogger

	// Replay protection
	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration
	nonceSeq        atomic.Uint64

	sent      atomic.Uint64
	received  atomic.Uint64
	rejected  atomic.Uint64
	sendFails atomic.Uint64

	running bool
	wg      sync.WaitGroup
}

// NewZmqNode creates a new ZeroMQ node.
func NewZmqNode(nodeID string, host string, port int) *ZmqNode {
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqNode{
		nodeID:          nodeID,
		host:            host,
		port:            port,
		address:         fmt.Sprintf("tcp://%s:%d", host, port),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]*PeerInfo),
		handlers:        newHandlerSet(),
		msgChan:         make(chan *consensus.Message, 1000),
		log:             logrus.StandardLogger(),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// SetLogger replaces the node's logger. Call it before Start.
func (n *ZmqNode) SetLogger(log logrus.FieldLogger) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = log.WithField("node", n.nodeID)
}

// Start begins the node's network operations.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	// Create ROUTER socket for receiving messages
	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))

	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}
	if addr := n.router.Addr(); addr != nil {
		n.address = "tcp://" + addr.String()
	}

	n.running = true
	n.mu.Unlock()

	n.wg.Add(3)
	go n.receiverLoop()
	go n.messageProcessor()
	go n.replayCacheCleaner()

	return nil
}

// Stop gracefully shuts down the node.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()

	// Errors while closing are expected during shutdown.
	if n.router != nil {
		_ = n.router.Close()
	}

	n.mu.Lock()
	for id, dealer := range n.dealers {
		_ = dealer.Close()
		delete(n.dealers, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

// Address returns the bound address once started, the configured one before.
func (n *ZmqNode) Address() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.address
}

// ID returns the node ID.
func (n *ZmqNode) ID() string { return n.nodeID }

// RegisterPeer adds a peer to the known peers list.
func (n *ZmqNode) RegisterPeer(peerID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peers[peerID] = &PeerInfo{
		ID:       peerID,
		Address:  address,
		LastSeen: time.Now(),
	}
}

// UnregisterPeer removes a peer from the known peers list.
func (n *ZmqNode) UnregisterPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.peers, peerID)
	if dealer, ok := n.dealers[peerID]; ok {
		_ = dealer.Close()
		delete(n.dealers, peerID)
	}
}

// RegisterHandler installs the handler for one message type.
func (n *ZmqNode) RegisterHandler(t consensus.MessageType, h Handler) {
	n.handlers.register(t, h)
}

// SendTo sends a message directly to a specific peer.
func (n *ZmqNode) SendTo(peerID string, msg *consensus.Message) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	peer, ok := n.peers[peerID]
	if !ok {
		n.mu.RUnlock()
		return ErrPeerNotFound
	}
	address := peer.Address
	n.mu.RUnlock()

	payload, err := consensus.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return n.sendPayload(peerID, address, payload)
}

func (n *ZmqNode) sendPayload(peerID, address string, payload []byte) error {
	dealer, err := n.getOrCreateDealer(peerID, address)
	if err != nil {
		n.sendFails.Add(1)
		return err
	}

	now := time.Now()
	env := Envelope{
		From:      n.nodeID,
		To:        peerID,
		Nonce:     fmt.Sprintf("%d-%d-%s", now.UnixNano(), n.nonceSeq.Add(1), n.nodeID),
		Timestamp: now,
		Payload:   payload,
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > MaxNetworkMessageSize {
		return ErrMessageTooLarge
	}

	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		n.sendFails.Add(1)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	n.sent.Add(1)
	return nil
}

// Broadcast sends a message to all registered peers. Every peer is tried;
// the last failure is returned.
func (n *ZmqNode) Broadcast(msg *consensus.Message) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	peers := make(map[string]string, len(n.peers))
	for id, peer := range n.peers {
		if id != n.nodeID {
			peers[id] = peer.Address
		}
	}
	n.mu.RUnlock()

	payload, err := consensus.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var lastErr error
	for peerID, address := range peers {
		if err := n.sendPayload(peerID, address, payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// GetPeers returns a copy of all registered peers.
func (n *ZmqNode) GetPeers() map[string]*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[string]*PeerInfo, len(n.peers))
	for id, peer := range n.peers {
		cp := *peer
		peers[id] = &cp
	}
	return peers
}

// getOrCreateDealer gets or creates a DEALER socket for a peer.
func (n *ZmqNode) getOrCreateDealer(peerID, address string) (zmq4.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dealer, ok := n.dealers[peerID]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := dealer.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	n.dealers[peerID] = dealer
	return dealer, nil
}

// receiverLoop continuously receives messages from the ROUTER socket.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		raw, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(raw.Frames) == 0 {
			continue
		}
		// The ROUTER prefixes the sender identity; the payload is the last frame.
		data := raw.Frames[len(raw.Frames)-1]

		env, msg, err := DecodeEnvelope(data)
		if err != nil {
			n.rejected.Add(1)
			n.log.WithError(err).Debug("Dropping malformed frame")
			continue
		}
		if !n.isValidReplay(env) {
			n.rejected.Add(1)
			n.log.WithField("from", env.From).Debug("Dropping replayed frame")
			continue
		}

		n.mu.Lock()
		if peer, ok := n.peers[env.From]; ok {
			peer.LastSeen = time.Now()
		}
		n.mu.Unlock()

		select {
		case n.msgChan <- msg:
			n.received.Add(1)
		default:
			n.rejected.Add(1)
			n.log.WithField("from", env.From).Warn("Receive queue full, dropping message")
		}
	}
}

// messageProcessor hands queued messages to the registered handlers.
func (n *ZmqNode) messageProcessor() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.msgChan:
			if !n.handlers.dispatch(msg) {
				n.log.WithField("type", msg.Type.String()).Debug("No handler registered")
			}
		}
	}
}

// isValidReplay checks if a message is not a replay attack.
func (n *ZmqNode) isValidReplay(env *Envelope) bool {
	if env.Nonce == "" {
		return true
	}

	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	if _, seen := n.replayCache[env.Nonce]; seen {
		return false
	}
	if time.Since(env.Timestamp) > n.replayTolerance {
		return false
	}

	n.replayCache[env.Nonce] = time.Now()
	return true
}

// replayCacheCleaner periodically cleans old entries from replay cache.
func (n *ZmqNode) replayCacheCleaner() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.cleanReplayCache()
		}
	}
}

// cleanReplayCache removes old entries from the replay cache.
func (n *ZmqNode) cleanReplayCache() {
	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-n.replayTolerance)
	for nonce, ts := range n.replayCache {
		if ts.Before(cutoff) {
			delete(n.replayCache, nonce)
		}
	}
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
	SendFails uint64 `json:"send_failures"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		NodeID:    n.nodeID,
		Address:   n.address,
		PeerCount: len(n.peers),
		IsRunning: n.running,
		QueueSize: len(n.msgChan),
		Sent:      n.sent.Load(),
		Received:  n.received.Load(),
		Rejected:  n.rejected.Load(),
		SendFails: n.sendFails.Load(),
	}
}

// TransportStats exposes GetStats in the generic form the node reports.
func (n *ZmqNode) TransportStats() map[string]interface{} {
	s := n.GetStats()
	return map[string]interface{}{
		"transport":     "zmq",
		"node_id":       s.NodeID,
		"address":       s.Address,
		"peers":         s.PeerCount,
		"running":       s.IsRunning,
		"queue_size":    s.QueueSize,
		"sent":          s.Sent,
		"received":      s.Received,
		"rejected":      s.Rejected,
		"send_failures": s.SendFails,
	}
}
