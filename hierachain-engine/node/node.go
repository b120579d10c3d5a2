package node

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/monitoring"
)

// Transport carries consensus messages between replicas.
type Transport interface {
	Broadcast(msg *consensus.Message) error
	RegisterHandler(t consensus.MessageType, h func(msg *consensus.Message))
}

// DirectSender is implemented by transports that can address one peer.
// The node uses it to deliver REPLY messages.
type DirectSender interface {
	SendTo(id string, msg *consensus.Message) error
}

// StatsProvider is implemented by transports that report counters.
type StatsProvider interface {
	TransportStats() map[string]interface{}
}

// CommitCallback observes every executed client request in sequence order.
// result is nil when the operation failed.
type CommitCallback func(req *consensus.Request, result []byte)

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(n *Node) { n.log = log }
}

// WithClock sets the time source for the protocol and latency tracking.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// WithMetrics reports into m instead of a fresh per-node registry.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithWorkerPool verifies signatures on a shared pool. The node does not
// shut a shared pool down.
func WithWorkerPool(pool *core.WorkerPool) Option {
	return func(n *Node) { n.pool = pool }
}

// Metrics is the compact progress summary of a node.
type Metrics struct {
	CurrentSequence  uint64 `json:"current_sequence"`
	PendingRequests  int    `json:"pending_requests"`
	ExecutedRequests uint64 `json:"executed_requests"`
	CurrentView      uint64 `json:"current_view"`
}

// Stats is the detailed status of a node.
type Stats struct {
	NodeID           string                    `json:"node_id"`
	Primary          string                    `json:"primary"`
	IsPrimary        bool                      `json:"is_primary"`
	CurrentView      uint64                    `json:"current_view"`
	ViewChanging     bool                      `json:"view_changing"`
	PendingView      uint64                    `json:"pending_view"`
	ViewChanges      uint64                    `json:"view_changes"`
	LastExecuted     uint64                    `json:"last_executed"`
	NextSequence     uint64                    `json:"next_sequence"`
	ExecutedRequests uint64                    `json:"executed_requests"`
	StateDigest      string                    `json:"state_digest"`
	InFlight         int                       `json:"in_flight"`
	Forwarded        int                       `json:"forwarded"`
	LatencyP50       float64                   `json:"latency_p50_ms"`
	LatencyP95       float64                   `json:"latency_p95_ms"`
	LatencyP99       float64                   `json:"latency_p99_ms"`
	LatencySamples   uint64                    `json:"latency_samples"`
	MessagesHandled  uint64                    `json:"messages_handled"`
	MessagesRejected uint64                    `json:"messages_rejected"`
	RepliesReceived  uint64                    `json:"replies_received"`
	RepliesConfirmed uint64                    `json:"replies_confirmed"`
	Pending          PendingStats              `json:"pending"`
	CheckpointStats  consensus.CheckpointStats `json:"checkpoint_stats"`
	WorkerPool       core.PoolStats            `json:"worker_pool"`
	TransportMetrics map[string]interface{}    `json:"transport_metrics,omitempty"`
}

type commit struct {
	req       *consensus.Request
	result    []byte
	submitted time.Time
}

// maxReplyKeys bounds the reply-tracking map.
const maxReplyKeys = 4096

// Node wires a consensus.Protocol to a transport, an application and the
// observability stack. All methods are safe for concurrent use; protocol
// work is serialized under one mutex.
type Node struct {
	cfg       Config
	id        string
	clientID  string
	proto     *consensus.Protocol
	registry  *consensus.KeyRegistry
	transport Transport
	pending   *PendingPool
	pool      *core.WorkerPool
	ownsPool  bool
	verifier  *core.VerifierPool
	metrics   *monitoring.Metrics
	latency   *monitoring.LatencyRecorder
	log       logrus.FieldLogger
	now       func() time.Time

	mu            sync.Mutex
	callbacks     []CommitCallback
	commits       []commit
	dispatching   bool
	lastTimestamp int64
	lastView      uint64
	viewChanges   uint64
	handled       uint64
	rejected      uint64
	replies       uint64
	confirmed     uint64
	replyVotes    map[string]map[string]string

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a node and registers its handlers on transport. It fails fast
// on an invalid membership or configuration.
func New(cfg Config, keys *consensus.KeyPair, registry *consensus.KeyRegistry, transport Transport, app consensus.Application, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNoTransport
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: key registry is nil", consensus.ErrMissingKeys)
	}

	n := &Node{
		cfg:        cfg,
		id:         cfg.Consensus.NodeID,
		clientID:   cfg.ClientID,
		registry:   registry,
		transport:  transport,
		pending:    NewPendingPool(cfg.MaxPending),
		log:        logrus.StandardLogger(),
		now:        time.Now,
		replyVotes: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clientID == "" {
		n.clientID = n.id
	}
	n.log = n.log.WithField("node", n.id)

	if n.metrics == nil {
		n.metrics = monitoring.NewMetrics(cfg.MetricsNamespace, n.id)
	}
	n.latency = monitoring.NewLatencyRecorder(0)

	if n.pool == nil {
		n.pool = core.NewWorkerPool("verify-"+n.id, cfg.VerifyWorkers)
		n.ownsPool = true
	}
	n.verifier = core.NewVerifierPool(n.pool, registry, core.DefaultVerifierConfig())

	proto, err := consensus.NewProtocol(cfg.Consensus, keys, registry, app,
		consensus.WithLogger(n.log),
		consensus.WithClock(n.now),
		consensus.WithBatchVerifier(n.verifier),
	)
	if err != nil {
		if n.ownsPool {
			n.pool.Shutdown()
		}
		return nil, err
	}
	n.proto = proto

	for _, t := range consensus.AllMessageTypes {
		transport.RegisterHandler(t, func(msg *consensus.Message) { n.HandleMessage(msg) })
	}

	n.log.WithFields(logrus.Fields{
		"nodes":   len(cfg.Consensus.Nodes),
		"f":       cfg.Consensus.F,
		"primary": proto.ViewManager().CurrentPrimary(),
	}).Info("Node created")
	return n, nil
}

// ID returns the node ID.
func (n *Node) ID() string { return n.id }

// Metrics returns the node's Prometheus collectors.
func (n *Node) Metrics() *monitoring.Metrics { return n.metrics }

// OnCommit registers a callback for executed requests.
func (n *Node) OnCommit(cb CommitCallback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, cb)
}

func (n *Node) nextTimestamp() int64 {
	ts := n.now().UnixNano()
	if ts <= n.lastTimestamp {
		ts = n.lastTimestamp + 1
	}
	n.lastTimestamp = ts
	return ts
}

// SubmitRequest orders op as the primary and returns its sequence number.
func (n *Node) SubmitRequest(op []byte) (uint64, error) {
	n.mu.Lock()
	if n.pending.IsFull() {
		n.mu.Unlock()
		return 0, ErrPendingFull
	}
	req := &consensus.Request{ClientID: n.clientID, Timestamp: n.nextTimestamp(), Operation: op}
	msg, err := n.proto.ProposeRequest(req)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	if err := n.pending.Add(&PendingRequest{
		Digest:      msg.Digest,
		Sequence:    msg.Sequence,
		Request:     req,
		SubmittedAt: n.now(),
	}); err != nil {
		n.log.WithError(err).Debug("Request not tracked for latency")
	}
	n.metrics.RequestsSubmitted.Inc()
	n.flush()
	n.mu.Unlock()

	n.dispatchCommits()
	return msg.Sequence, nil
}

// ForwardRequest broadcasts op as a signed REQUEST so the primary orders
// it. On the primary itself the request is proposed directly.
func (n *Node) ForwardRequest(op []byte) error {
	n.mu.Lock()
	if n.pending.IsFull() {
		n.mu.Unlock()
		return ErrPendingFull
	}
	req := &consensus.Request{ClientID: n.clientID, Timestamp: n.nextTimestamp(), Operation: op}

	var (
		msg *consensus.Message
		err error
	)
	forwarded := !n.proto.IsPrimary() || n.proto.ViewManager().ViewChanging()
	if forwarded {
		msg, err = n.proto.ForwardRequest(req)
	} else {
		msg, err = n.proto.ProposeRequest(req)
	}
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if err := n.pending.Add(&PendingRequest{
		Digest:      msg.Digest,
		Sequence:    msg.Sequence,
		Request:     req,
		SubmittedAt: n.now(),
		Forwarded:   forwarded,
	}); err != nil {
		n.log.WithError(err).Debug("Request not tracked for latency")
	}
	n.metrics.RequestsSubmitted.Inc()
	n.flush()
	n.mu.Unlock()

	n.dispatchCommits()
	return nil
}

// HandleMessage processes one message from the transport.
func (n *Node) HandleMessage(msg *consensus.Message) consensus.Result {
	if msg == nil {
		return consensus.Rejected(consensus.ReasonMalformed)
	}

	n.mu.Lock()
	var res consensus.Result
	if msg.Type == consensus.MsgReply {
		res = n.handleReply(msg)
	} else {
		res = n.proto.HandleMessage(msg)
	}

	n.handled++
	reason := ""
	if res.IsRejected() {
		n.rejected++
		reason = string(res.Reason)
		n.log.WithFields(logrus.Fields{
			"type":   msg.Type.String(),
			"from":   msg.From,
			"seq":    msg.Sequence,
			"view":   msg.View,
			"reason": reason,
		}).Debug("Message rejected")
	}
	n.metrics.RecordMessage(msg.Type.String(), reason)
	n.flush()
	n.mu.Unlock()

	n.dispatchCommits()
	return res
}

// handleReply authenticates a REPLY and counts it toward f+1 matching
// results for requests this node created.
func (n *Node) handleReply(msg *consensus.Message) consensus.Result {
	switch {
	case msg.From == n.id:
		return consensus.Rejected(consensus.ReasonOwnMessage)
	case !n.registry.Contains(msg.From):
		return consensus.Rejected(consensus.ReasonUnknownSender)
	case !n.registry.VerifyMessage(msg):
		return consensus.Rejected(consensus.ReasonBadSignature)
	case msg.Request == nil:
		return consensus.Rejected(consensus.ReasonMalformed)
	}
	n.replies++
	if msg.Request.ClientID != n.clientID {
		return consensus.Accepted()
	}

	key := msg.Request.ClientID + "|" + strconv.FormatInt(msg.Request.Timestamp, 10)
	votes, seen := n.replyVotes[key]
	if seen && votes == nil {
		return consensus.Result{Status: consensus.StatusAccepted, Reason: consensus.ReasonDuplicate}
	}
	if votes == nil {
		if len(n.replyVotes) >= maxReplyKeys {
			n.pruneReplies()
		}
		votes = make(map[string]string)
		n.replyVotes[key] = votes
	}
	result := consensus.ComputeDigest(msg.Result)
	votes[msg.From] = result

	matching := 0
	for _, r := range votes {
		if r == result {
			matching++
		}
	}
	if matching >= n.proto.ViewManager().WeakQuorumSize() {
		n.replyVotes[key] = nil
		n.confirmed++
	}
	return consensus.Accepted()
}

func (n *Node) pruneReplies() {
	for key, votes := range n.replyVotes {
		if votes == nil {
			delete(n.replyVotes, key)
		}
	}
	if len(n.replyVotes) >= maxReplyKeys {
		n.replyVotes = make(map[string]map[string]string)
	}
}

// flush sends queued protocol output and records executions. Caller holds mu.
func (n *Node) flush() {
	for _, msg := range n.proto.DrainOutbox() {
		if err := n.transport.Broadcast(msg); err != nil {
			n.log.WithError(err).WithField("type", msg.Type.String()).Warn("Broadcast failed")
		}
	}

	direct, canDirect := n.transport.(DirectSender)
	for _, exec := range n.proto.DrainExecutions() {
		n.metrics.RecordExecution(exec.Err != nil)
		var submitted time.Time
		if p, ok := n.pending.Complete(exec.Digest); ok {
			submitted = p.SubmittedAt
		}
		if exec.Request == nil || exec.Request.IsNull() {
			continue
		}

		if exec.Reply != nil && canDirect {
			to := exec.Request.ClientID
			if to != n.id && n.registry.Contains(to) {
				if err := direct.SendTo(to, exec.Reply); err != nil {
					n.log.WithError(err).WithField("to", to).Debug("Reply delivery failed")
				}
			}
		}

		var result []byte
		if exec.Err == nil {
			result = exec.Result
		}
		n.commits = append(n.commits, commit{req: exec.Request, result: result, submitted: submitted})
	}

	view := n.proto.CurrentView()
	if view > n.lastView {
		n.viewChanges += view - n.lastView
		n.metrics.ViewChanges.Add(float64(view - n.lastView))
		n.lastView = view
	}
	n.metrics.UpdateProtocol(view, n.proto.LastExecuted(),
		n.proto.Checkpoints().LastStableSequence(), n.pending.Size())
}

// dispatchCommits runs callbacks outside mu. A single dispatcher drains
// the queue so callbacks keep sequence order even when they call back
// into the node.
func (n *Node) dispatchCommits() {
	n.mu.Lock()
	if n.dispatching {
		n.mu.Unlock()
		return
	}
	n.dispatching = true
	for len(n.commits) > 0 {
		batch := n.commits
		n.commits = nil
		callbacks := append([]CommitCallback(nil), n.callbacks...)
		n.mu.Unlock()

		for _, c := range batch {
			for _, cb := range callbacks {
				cb(c.req, c.result)
			}
			if !c.submitted.IsZero() {
				d := n.now().Sub(c.submitted)
				n.latency.Observe(d)
				n.metrics.RecordCommitLatency(d)
			}
		}

		n.mu.Lock()
	}
	n.dispatching = false
	n.mu.Unlock()
}

// Tick drives the protocol timer and expires stale pending entries.
func (n *Node) Tick() {
	n.mu.Lock()
	n.proto.Tick()
	if n.cfg.PendingTTL > 0 {
		if expired := n.pending.Expire(n.now().Add(-n.cfg.PendingTTL)); len(expired) > 0 {
			n.log.WithField("count", len(expired)).Warn("Expired pending requests")
		}
	}
	n.flush()
	n.mu.Unlock()

	n.dispatchCommits()
}

// StartViewChange abandons the current view immediately.
func (n *Node) StartViewChange() uint64 {
	n.mu.Lock()
	v := n.proto.StartViewChange()
	n.flush()
	n.mu.Unlock()
	return v
}

// GetMetrics returns the compact progress summary.
func (n *Node) GetMetrics() Metrics {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Metrics{
		CurrentSequence:  n.proto.NextSequence(),
		PendingRequests:  n.pending.Size(),
		ExecutedRequests: n.proto.ExecutedCount(),
		CurrentView:      n.proto.CurrentView(),
	}
}

// GetStats returns the detailed status.
func (n *Node) GetStats() Stats {
	n.mu.Lock()
	views := n.proto.ViewManager()
	stats := Stats{
		NodeID:           n.id,
		Primary:          views.CurrentPrimary(),
		IsPrimary:        n.proto.IsPrimary(),
		CurrentView:      views.CurrentView(),
		ViewChanging:     views.ViewChanging(),
		PendingView:      views.PendingView(),
		ViewChanges:      n.viewChanges,
		LastExecuted:     n.proto.LastExecuted(),
		NextSequence:     n.proto.NextSequence(),
		ExecutedRequests: n.proto.ExecutedCount(),
		StateDigest:      n.proto.StateDigest(),
		InFlight:         n.proto.InFlight(),
		Forwarded:        n.proto.Forwarded(),
		MessagesHandled:  n.handled,
		MessagesRejected: n.rejected,
		RepliesReceived:  n.replies,
		RepliesConfirmed: n.confirmed,
		Pending:          n.pending.Stats(),
		CheckpointStats:  n.proto.Checkpoints().Stats(),
	}
	n.mu.Unlock()

	q := n.latency.Quantiles()
	stats.LatencyP50, stats.LatencyP95, stats.LatencyP99 = q.P50, q.P95, q.P99
	stats.LatencySamples = q.Count

	stats.WorkerPool = n.pool.GetStats()
	n.metrics.UpdateWorkerPool(int(stats.WorkerPool.Active), stats.WorkerPool.Pending)

	if sp, ok := n.transport.(StatsProvider); ok {
		stats.TransportMetrics = sp.TransportStats()
	}
	return stats
}

// Health reports liveness for the /health endpoint. A node is unhealthy
// while it waits for a new view.
func (n *Node) Health() (bool, map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	views := n.proto.ViewManager()
	changing := views.ViewChanging()
	return !changing, map[string]any{
		"node_id":       n.id,
		"view":          views.CurrentView(),
		"view_changing": changing,
		"last_executed": n.proto.LastExecuted(),
	}
}

// IsPrimary reports whether this node leads the current view.
func (n *Node) IsPrimary() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proto.IsPrimary()
}

// CurrentView returns the installed view.
func (n *Node) CurrentView() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proto.CurrentView()
}

// LastExecuted returns the highest executed sequence.
func (n *Node) LastExecuted() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proto.LastExecuted()
}

// StateDigest returns the digest checkpoints vote on.
func (n *Node) StateDigest() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proto.StateDigest()
}

// ExportCheckpoint returns the latest stable checkpoint with its proofs.
func (n *Node) ExportCheckpoint() (*consensus.CheckpointSnapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proto.Checkpoints().Export()
}

// ImportCheckpoint installs a snapshot after verifying its proofs on the
// worker pool, fast-forwarding execution past it.
func (n *Node) ImportCheckpoint(snap *consensus.CheckpointSnapshot) error {
	n.mu.Lock()
	err := n.proto.ImportCheckpoint(snap, n.verifier)
	if err == nil {
		n.log.WithField("seq", snap.Sequence).Info("Imported checkpoint")
	}
	n.flush()
	n.mu.Unlock()

	n.dispatchCommits()
	return err
}

// Start runs the tick loop in the background.
func (n *Node) Start() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.running {
		return ErrAlreadyActive
	}
	n.running = true
	n.stopCh = make(chan struct{})

	n.wg.Add(1)
	go n.tickLoop(n.stopCh)
	n.log.WithField("tick", n.cfg.TickInterval).Info("Node started")
	return nil
}

func (n *Node) tickLoop(stop <-chan struct{}) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.Tick()
		}
	}
}

// Stop halts the tick loop. A node can be restarted.
func (n *Node) Stop() {
	n.runMu.Lock()
	if !n.running {
		n.runMu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	n.runMu.Unlock()

	n.wg.Wait()
	n.log.Info("Node stopped")
}

// Close stops the node and releases the worker pool it owns.
func (n *Node) Close() {
	n.Stop()
	if n.ownsPool {
		n.pool.Shutdown()
	}
}

// IsRunning reports whether the tick loop is active.
func (n *Node) IsRunning() bool {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	return n.running
}
