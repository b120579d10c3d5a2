package consensus

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Application executes committed operations. Apply must be deterministic
// across correct replicas.
type Application interface {
	Apply(op []byte) ([]byte, error)
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(op []byte) ([]byte, error)

// Apply implements Application.
func (f ApplicationFunc) Apply(op []byte) ([]byte, error) { return f(op) }

// StateDigester is implemented by applications that can hash their own
// state. Otherwise checkpoints carry a hash chain over executed results.
type StateDigester interface {
	StateDigest() string
}

// Restorer is implemented by applications that can load state for a
// checkpoint the node skipped past.
type Restorer interface {
	RestoreCheckpoint(seq uint64, stateDigest string) error
}

// Phase is the progress of one sequence.
type Phase int

const (
	PhasePrePrepare Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre-prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// RequestState aggregates the votes for one sequence in one view.
type RequestState struct {
	Sequence   uint64
	View       uint64
	Digest     string
	Request    *Request
	PrePrepare *Message
	Prepares   map[string]*Message
	Commits    map[string]*Message
	Prepared   bool
	Committed  bool
	Phase      Phase
}

func newRequestState(pp *Message) *RequestState {
	return &RequestState{
		Sequence:   pp.Sequence,
		View:       pp.View,
		Digest:     pp.Digest,
		Request:    pp.Request,
		PrePrepare: pp,
		Prepares:   make(map[string]*Message),
		Commits:    make(map[string]*Message),
		Phase:      PhasePrePrepare,
	}
}

func (s *RequestState) snapshot() RequestState {
	out := *s
	out.Prepares = make(map[string]*Message, len(s.Prepares))
	for k, v := range s.Prepares {
		out.Prepares[k] = v
	}
	out.Commits = make(map[string]*Message, len(s.Commits))
	for k, v := range s.Commits {
		out.Commits[k] = v
	}
	return out
}

// Execution reports one executed sequence to the orchestrator.
type Execution struct {
	Sequence uint64
	View     uint64
	Digest   string
	Request  *Request
	Result   []byte
	Err      error
	Reply    *Message
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Protocol) { p.log = log }
}

// WithClock sets the time source for timestamps and the view timer.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithBatchVerifier sets the verifier used for certificates and proofs.
func WithBatchVerifier(v BatchVerifier) Option {
	return func(p *Protocol) { p.verifier = v }
}

// Protocol is the per-node PBFT state machine. Every exported method must
// be called from one goroutine at a time.
type Protocol struct {
	cfg      Config
	id       string
	keys     *KeyPair
	registry *KeyRegistry
	app      Application
	verifier BatchVerifier
	log      logrus.FieldLogger
	now      func() time.Time

	views       *ViewManager
	checkpoints *CheckpointManager

	states       map[uint64]*RequestState
	certs        map[uint64]PreparedCert
	early        map[uint64][]*Message
	earlyCount   int
	executed     map[uint64]struct{}
	proposed     map[string]uint64
	forwarded    map[string]*Request
	nextSequence uint64
	lastExecuted uint64
	execCount    uint64
	stateDigest  string

	viewChanges map[uint64]map[string]*Message
	newViewSent map[uint64]bool

	outbox     []*Message
	executions []Execution
}

// NewProtocol builds the state machine for cfg.NodeID.
func NewProtocol(cfg Config, keys *KeyPair, registry *KeyRegistry, app Application, opts ...Option) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, ErrMissingKeys
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: key registry is nil", ErrMissingKeys)
	}
	if app == nil {
		return nil, fmt.Errorf("%w: application is nil", ErrInvalidConfig)
	}
	if !registry.Contains(cfg.NodeID) {
		if err := registry.Register(cfg.NodeID, keys.PublicKey()); err != nil {
			return nil, err
		}
	}

	p := &Protocol{
		cfg:         cfg,
		id:          cfg.NodeID,
		keys:        keys,
		registry:    registry,
		app:         app,
		log:         logrus.StandardLogger(),
		now:         time.Now,
		states:      make(map[uint64]*RequestState),
		certs:       make(map[uint64]PreparedCert),
		early:       make(map[uint64][]*Message),
		executed:    make(map[uint64]struct{}),
		proposed:    make(map[string]uint64),
		forwarded:   make(map[string]*Request),
		viewChanges: make(map[uint64]map[string]*Message),
		newViewSent: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.verifier == nil {
		p.verifier = SequentialVerifier{Registry: registry}
	}
	p.log = p.log.WithField("node", p.id)

	views, err := NewViewManager(cfg.Nodes, cfg.F, cfg.ViewChangeTimeout)
	if err != nil {
		return nil, err
	}
	views.SetClock(p.now)
	p.views = views

	p.checkpoints = NewCheckpointManager(cfg.CheckpointInterval, views.QuorumSize())
	p.checkpoints.SetLogger(p.log)
	p.checkpoints.SetWindow(cfg.WatermarkWindow)
	p.checkpoints.SetClock(p.now)

	return p, nil
}

// ID returns the local node ID.
func (p *Protocol) ID() string { return p.id }

// ViewManager exposes the view manager.
func (p *Protocol) ViewManager() *ViewManager { return p.views }

// Checkpoints exposes the checkpoint manager.
func (p *Protocol) Checkpoints() *CheckpointManager { return p.checkpoints }

func (p *Protocol) CurrentView() uint64 { return p.views.CurrentView() }

func (p *Protocol) IsPrimary() bool { return p.views.IsPrimary(p.id) }

func (p *Protocol) LastExecuted() uint64 { return p.lastExecuted }

// NextSequence returns the highest sequence assigned or observed.
func (p *Protocol) NextSequence() uint64 { return p.nextSequence }

// ExecutedCount returns how many sequences this node executed.
func (p *Protocol) ExecutedCount() uint64 { return p.execCount }

// StateDigest returns the digest checkpoints are taken over.
func (p *Protocol) StateDigest() string {
	if sd, ok := p.app.(StateDigester); ok {
		return sd.StateDigest()
	}
	return p.stateDigest
}

// IsExecuted reports whether seq was executed and not yet garbage collected.
func (p *Protocol) IsExecuted(seq uint64) bool {
	_, ok := p.executed[seq]
	return ok
}

// InFlight counts sequences that have not committed yet.
func (p *Protocol) InFlight() int {
	n := 0
	for _, st := range p.states {
		if !st.Committed {
			n++
		}
	}
	return n
}

// Forwarded counts requests waiting for a PRE_PREPARE from the primary.
func (p *Protocol) Forwarded() int { return len(p.forwarded) }

// RequestState returns a copy of the state tracked for seq.
func (p *Protocol) RequestState(seq uint64) (RequestState, bool) {
	st, ok := p.states[seq]
	if !ok {
		return RequestState{}, false
	}
	return st.snapshot(), true
}

// DrainOutbox returns the messages produced since the last call.
func (p *Protocol) DrainOutbox() []*Message {
	out := p.outbox
	p.outbox = nil
	return out
}

// DrainExecutions returns the executions since the last call, in order.
func (p *Protocol) DrainExecutions() []Execution {
	out := p.executions
	p.executions = nil
	return out
}

func (p *Protocol) lowWatermark() uint64 {
	return p.checkpoints.LastStableSequence()
}

func (p *Protocol) inWindow(seq uint64) bool {
	low := p.lowWatermark()
	return seq > low && seq <= low+p.cfg.WatermarkWindow
}

func (p *Protocol) hasOutstanding() bool {
	return p.InFlight() > 0 || len(p.forwarded) > 0
}

func (p *Protocol) newMessage(t MessageType, view, seq uint64, digest string) *Message {
	return &Message{
		Type:      t,
		From:      p.id,
		Timestamp: p.now().UnixNano(),
		View:      view,
		Sequence:  seq,
		Digest:    digest,
	}
}

func (p *Protocol) signAndSend(msg *Message) error {
	if err := p.keys.Sign(msg); err != nil {
		return err
	}
	p.outbox = append(p.outbox, msg)
	return nil
}

// ProposeRequest assigns the next sequence to req and emits a PRE_PREPARE.
func (p *Protocol) ProposeRequest(req *Request) (*Message, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if !p.views.IsPrimary(p.id) {
		return nil, ErrNotPrimary
	}
	if p.views.ViewChanging() {
		return nil, ErrViewChangeInProgress
	}
	seq := p.nextSequence + 1
	if !p.inWindow(seq) {
		return nil, fmt.Errorf("%w: seq %d, low %d", ErrOutOfWatermarks, seq, p.lowWatermark())
	}

	digest := RequestDigest(req)
	msg := p.newMessage(MsgPrePrepare, p.views.CurrentView(), seq, digest)
	msg.Request = req
	if err := p.signAndSend(msg); err != nil {
		return nil, err
	}

	p.states[seq] = newRequestState(msg)
	p.nextSequence = seq
	p.proposed[digest] = seq
	delete(p.forwarded, digest)
	p.views.RecordActivity()

	p.log.WithFields(logrus.Fields{"seq": seq, "view": msg.View}).Debug("Proposed request")
	p.replayEarly(seq)
	return msg, nil
}

// ForwardRequest wraps req in a signed REQUEST for the primary and tracks it
// until a PRE_PREPARE for it is seen.
func (p *Protocol) ForwardRequest(req *Request) (*Message, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	digest := RequestDigest(req)
	msg := p.newMessage(MsgRequest, p.views.CurrentView(), 0, digest)
	msg.Request = req
	if err := p.signAndSend(msg); err != nil {
		return nil, err
	}
	if _, done := p.proposed[digest]; !done {
		p.forwarded[digest] = req
	}
	return msg, nil
}

// HandleMessage authenticates msg and dispatches it by type.
func (p *Protocol) HandleMessage(msg *Message) Result {
	if msg == nil {
		return Rejected(ReasonMalformed)
	}
	switch msg.Type {
	case MsgRequest:
		return p.HandleRequest(msg)
	case MsgPrePrepare:
		return p.HandlePrePrepare(msg)
	case MsgPrepare:
		return p.HandlePrepare(msg)
	case MsgCommit:
		return p.HandleCommit(msg)
	case MsgCheckpoint:
		return p.HandleCheckpoint(msg)
	case MsgViewChange:
		return p.HandleViewChange(msg)
	case MsgNewView:
		return p.HandleNewView(msg)
	default:
		return Rejected(ReasonUnexpectedType)
	}
}

func (p *Protocol) authenticate(msg *Message, want MessageType) Result {
	switch {
	case msg == nil:
		return Rejected(ReasonMalformed)
	case msg.Type != want:
		return Rejected(ReasonUnexpectedType)
	case msg.From == p.id:
		return Rejected(ReasonOwnMessage)
	case !p.registry.Contains(msg.From):
		return Rejected(ReasonUnknownSender)
	case !p.registry.VerifyMessage(msg):
		return Rejected(ReasonBadSignature)
	}
	return Accepted()
}

// HandleRequest processes a REQUEST forwarded by a peer. The primary
// proposes it; replicas track it so a silent primary is noticed.
func (p *Protocol) HandleRequest(msg *Message) Result {
	if res := p.authenticate(msg, MsgRequest); res.IsRejected() {
		return res
	}
	if msg.Request == nil || msg.Request.IsNull() {
		return Rejected(ReasonMalformed)
	}
	digest := RequestDigest(msg.Request)
	if msg.Digest != "" && msg.Digest != digest {
		return Rejected(ReasonDigestMismatch)
	}
	if _, done := p.proposed[digest]; done {
		return Result{Status: StatusAccepted, Reason: ReasonDuplicate}
	}

	if p.views.IsPrimary(p.id) && !p.views.ViewChanging() {
		if _, err := p.ProposeRequest(msg.Request); err != nil {
			p.log.WithError(err).Debug("Failed to propose forwarded request")
			return Rejected(ReasonProposalFailed)
		}
		return Accepted()
	}

	if _, dup := p.forwarded[digest]; dup {
		return Result{Status: StatusBuffered, Reason: ReasonDuplicate}
	}
	if p.cfg.MaxBufferedVotes > 0 && len(p.forwarded) >= p.cfg.MaxBufferedVotes {
		return Rejected(ReasonBufferFull)
	}
	p.forwarded[digest] = msg.Request
	return Buffered()
}

// HandlePrePrepare validates a PRE_PREPARE from the primary and answers
// with a PREPARE.
func (p *Protocol) HandlePrePrepare(msg *Message) Result {
	if res := p.authenticate(msg, MsgPrePrepare); res.IsRejected() {
		return res
	}
	if msg.Request == nil {
		return Rejected(ReasonMalformed)
	}
	if p.views.ViewChanging() {
		return Rejected(ReasonViewChanging)
	}
	if msg.View != p.views.CurrentView() {
		return Rejected(ReasonViewMismatch)
	}
	if msg.From != p.views.Primary(msg.View) {
		return Rejected(ReasonNotFromPrimary)
	}
	if RequestDigest(msg.Request) != msg.Digest {
		return Rejected(ReasonDigestMismatch)
	}
	return p.acceptPrePrepare(msg, false)
}

func (p *Protocol) acceptPrePrepare(msg *Message, reproposal bool) Result {
	seq := msg.Sequence
	if !p.inWindow(seq) {
		return Rejected(ReasonOutOfWatermarks)
	}
	if existing, ok := p.states[seq]; ok && existing.View >= msg.View {
		if existing.View == msg.View && existing.Digest == msg.Digest {
			return Result{Status: StatusAccepted, Reason: ReasonDuplicate}
		}
		return Rejected(ReasonConflictingDigest)
	}
	if !reproposal && p.IsExecuted(seq) {
		return Rejected(ReasonAlreadyExecuted)
	}

	st := newRequestState(msg)
	st.Phase = PhasePrepare
	p.states[seq] = st
	if seq > p.nextSequence {
		p.nextSequence = seq
	}
	p.proposed[msg.Digest] = seq
	delete(p.forwarded, msg.Digest)

	if msg.From != p.id {
		prepare := p.newMessage(MsgPrepare, msg.View, seq, msg.Digest)
		if err := p.signAndSend(prepare); err != nil {
			p.log.WithError(err).Error("Failed to sign prepare")
			return Rejected(ReasonMalformed)
		}
		st.Prepares[p.id] = prepare
	}
	p.views.RecordActivity()

	p.replayEarly(seq)
	p.checkPrepared(st)
	return Accepted()
}

// HandlePrepare records a PREPARE vote.
func (p *Protocol) HandlePrepare(msg *Message) Result {
	if res := p.authenticate(msg, MsgPrepare); res.IsRejected() {
		return res
	}
	if res := p.checkVote(msg); res.Status != StatusAccepted {
		return res
	}
	if msg.From == p.views.Primary(msg.View) {
		return Rejected(ReasonPrepareFromPrimary)
	}

	st, ok := p.states[msg.Sequence]
	if !ok {
		return p.bufferEarly(msg)
	}
	if st.View != msg.View {
		return Rejected(ReasonViewMismatch)
	}
	if msg.Digest != st.Digest {
		return Rejected(ReasonConflictingDigest)
	}
	if st.Committed {
		return Result{Status: StatusAccepted, Reason: ReasonDuplicate}
	}

	_, dup := st.Prepares[msg.From]
	st.Prepares[msg.From] = msg
	if dup {
		return Result{Status: StatusAccepted, Reason: ReasonDuplicate}
	}
	p.checkPrepared(st)
	return Accepted()
}

// HandleCommit records a COMMIT vote.
func (p *Protocol) HandleCommit(msg *Message) Result {
	if res := p.authenticate(msg, MsgCommit); res.IsRejected() {
		return res
	}
	if res := p.checkVote(msg); res.Status != StatusAccepted {
		return res
	}

	st, ok := p.states[msg.Sequence]
	if !ok {
		return p.bufferEarly(msg)
	}
	if st.View != msg.View {
		return Rejected(ReasonViewMismatch)
	}
	if msg.Digest != st.Digest {
		return Rejected(ReasonConflictingDigest)
	}
	if st.Committed {
		return Result{Status: StatusAccepted, Reason: ReasonDuplicate}
	}
	if !st.Prepared && !p.cfg.BufferEarlyVotes {
		return Rejected(ReasonNotPrepared)
	}

	_, dup := st.Commits[msg.From]
	st.Commits[msg.From] = msg
	if !st.Prepared {
		return Buffered()
	}
	if dup {
		return Result{Status: StatusAccepted, Reason: ReasonDuplicate}
	}
	p.checkCommitted(st)
	return Accepted()
}

// checkVote applies the view and watermark checks shared by PREPARE and
// COMMIT. Votes for a view this node has not installed yet are buffered
// when early buffering is on.
func (p *Protocol) checkVote(msg *Message) Result {
	if msg.Digest == "" {
		return Rejected(ReasonMalformed)
	}
	if !p.inWindow(msg.Sequence) {
		return Rejected(ReasonOutOfWatermarks)
	}
	cur := p.views.CurrentView()
	switch {
	case msg.View > cur && p.cfg.BufferEarlyVotes:
		return p.bufferEarly(msg)
	case msg.View != cur:
		return Rejected(ReasonViewMismatch)
	case p.views.ViewChanging():
		return Rejected(ReasonViewChanging)
	}
	return Accepted()
}

func (p *Protocol) bufferEarly(msg *Message) Result {
	if !p.cfg.BufferEarlyVotes {
		if msg.Type == MsgCommit {
			return Rejected(ReasonNotPrepared)
		}
		return Rejected(ReasonNoRequestState)
	}
	if p.cfg.MaxBufferedVotes > 0 && p.earlyCount >= p.cfg.MaxBufferedVotes {
		return Rejected(ReasonBufferFull)
	}
	p.early[msg.Sequence] = append(p.early[msg.Sequence], msg)
	p.earlyCount++
	return Buffered()
}

func (p *Protocol) replayEarly(seq uint64) {
	msgs, ok := p.early[seq]
	if !ok {
		return
	}
	delete(p.early, seq)
	p.earlyCount -= len(msgs)
	for _, msg := range msgs {
		res := p.HandleMessage(msg)
		if res.IsRejected() {
			p.log.WithFields(logrus.Fields{
				"seq":    seq,
				"type":   msg.Type.String(),
				"from":   msg.From,
				"reason": res.Reason,
			}).Debug("Dropped buffered vote")
		}
	}
}

// checkPrepared counts the primary's PRE_PREPARE plus distinct PREPAREs.
func (p *Protocol) checkPrepared(st *RequestState) {
	if st.Prepared || len(st.Prepares)+1 < p.views.QuorumSize() {
		return
	}
	st.Prepared = true
	st.Phase = PhaseCommit

	cert := PreparedCert{
		Sequence:   st.Sequence,
		View:       st.View,
		Digest:     st.Digest,
		Request:    st.Request,
		PrePrepare: st.PrePrepare,
		Prepares:   make([]*Message, 0, len(st.Prepares)),
	}
	for _, prep := range st.Prepares {
		cert.Prepares = append(cert.Prepares, prep)
	}
	sort.Slice(cert.Prepares, func(i, j int) bool { return cert.Prepares[i].From < cert.Prepares[j].From })
	p.certs[st.Sequence] = cert

	commit := p.newMessage(MsgCommit, st.View, st.Sequence, st.Digest)
	if err := p.signAndSend(commit); err != nil {
		p.log.WithError(err).Error("Failed to sign commit")
		return
	}
	st.Commits[p.id] = commit
	p.views.RecordActivity()

	p.log.WithFields(logrus.Fields{"seq": st.Sequence, "view": st.View}).Debug("Request prepared")
	p.checkCommitted(st)
}

func (p *Protocol) checkCommitted(st *RequestState) {
	if st.Committed || !st.Prepared || len(st.Commits) < p.views.QuorumSize() {
		return
	}
	st.Committed = true
	st.Phase = PhaseCommitted
	p.views.RecordActivity()

	p.log.WithFields(logrus.Fields{"seq": st.Sequence, "view": st.View}).Debug("Request committed")
	p.executeReady()
}

// executeReady runs committed sequences strictly in order.
func (p *Protocol) executeReady() {
	for {
		seq := p.lastExecuted + 1
		st, ok := p.states[seq]
		if !ok || !st.Committed {
			return
		}
		if p.IsExecuted(seq) {
			p.lastExecuted = seq
			continue
		}
		p.execute(st)
	}
}

func (p *Protocol) execute(st *RequestState) {
	var (
		result   []byte
		applyErr error
	)
	if !st.Request.IsNull() {
		result, applyErr = p.app.Apply(st.Request.Operation)
	}

	p.executed[st.Sequence] = struct{}{}
	p.lastExecuted = st.Sequence
	p.execCount++
	// The prepared certificate stays in certs for view changes.
	st.Prepares, st.Commits = nil, nil

	if _, ok := p.app.(StateDigester); !ok {
		errText := ""
		if applyErr != nil {
			errText = applyErr.Error()
		}
		chain := p.stateDigest + "|" + strconv.FormatUint(st.Sequence, 10) + "|" + st.Digest + "|" + errText + "|"
		p.stateDigest = ComputeDigest(append([]byte(chain), result...))
	}

	exec := Execution{
		Sequence: st.Sequence,
		View:     st.View,
		Digest:   st.Digest,
		Request:  st.Request,
		Result:   result,
		Err:      applyErr,
	}
	if !st.Request.IsNull() {
		reply := p.newMessage(MsgReply, st.View, st.Sequence, st.Digest)
		reply.Request = &Request{ClientID: st.Request.ClientID, Timestamp: st.Request.Timestamp}
		reply.Result = result
		if err := p.keys.Sign(reply); err != nil {
			p.log.WithError(err).Error("Failed to sign reply")
		} else {
			exec.Reply = reply
		}
	}
	p.executions = append(p.executions, exec)
	p.views.RecordActivity()

	entry := p.log.WithFields(logrus.Fields{"seq": st.Sequence, "view": st.View})
	if applyErr != nil {
		entry.WithError(applyErr).Warn("Operation failed")
	} else {
		entry.Debug("Executed request")
	}

	if p.checkpoints.ShouldCreateCheckpoint(st.Sequence) {
		p.createCheckpoint(st.Sequence)
	}
}

func (p *Protocol) createCheckpoint(seq uint64) {
	p.checkpoints.MarkProposed(seq)
	msg := p.newMessage(MsgCheckpoint, p.views.CurrentView(), seq, p.StateDigest())
	if err := p.signAndSend(msg); err != nil {
		p.log.WithError(err).Error("Failed to sign checkpoint")
		return
	}
	if _, stable := p.checkpoints.AddVote(msg); stable {
		p.garbageCollect()
	}
}

// HandleCheckpoint records a CHECKPOINT vote. Checkpoints are accepted in
// any view.
func (p *Protocol) HandleCheckpoint(msg *Message) Result {
	if res := p.authenticate(msg, MsgCheckpoint); res.IsRejected() {
		return res
	}
	res, stable := p.checkpoints.AddVote(msg)
	if stable {
		p.garbageCollect()
	}
	return res
}

// ImportCheckpoint installs a verified snapshot and fast-forwards past it.
func (p *Protocol) ImportCheckpoint(snap *CheckpointSnapshot, verifier BatchVerifier) error {
	if verifier == nil {
		verifier = p.verifier
	}
	if err := p.checkpoints.Import(snap, verifier); err != nil {
		return err
	}
	p.garbageCollect()
	return nil
}

// garbageCollect drops everything below the stable checkpoint and
// fast-forwards execution when this node fell behind it.
func (p *Protocol) garbageCollect() {
	stable := p.checkpoints.StableCheckpoint()
	if stable == nil {
		return
	}
	s := stable.Sequence

	for seq := range p.states {
		if seq < s {
			delete(p.states, seq)
		}
	}
	for seq := range p.certs {
		if seq <= s {
			delete(p.certs, seq)
		}
	}
	for seq, msgs := range p.early {
		if seq <= s {
			p.earlyCount -= len(msgs)
			delete(p.early, seq)
		}
	}
	for seq := range p.executed {
		if seq < s {
			delete(p.executed, seq)
		}
	}
	for digest, seq := range p.proposed {
		if seq < s {
			delete(p.proposed, digest)
		}
	}
	if p.nextSequence < s {
		p.nextSequence = s
	}

	if p.lastExecuted < s {
		p.log.WithFields(logrus.Fields{
			"from": p.lastExecuted,
			"to":   s,
		}).Warn("Fast-forwarding execution to stable checkpoint")
		p.lastExecuted = s
		p.executed[s] = struct{}{}
		p.stateDigest = stable.StateDigest
		if r, ok := p.app.(Restorer); ok {
			if err := r.RestoreCheckpoint(s, stable.StateDigest); err != nil {
				p.log.WithError(err).Error("Failed to restore application state")
			}
		}
		p.executeReady()
	}
}

// Tick drives the inactivity timer. It starts a view change when work is
// outstanding and nothing progressed within the timeout, and moves to the
// next view when a view change itself stalls.
func (p *Protocol) Tick() {
	if !p.views.ShouldTriggerViewChange() {
		return
	}
	if p.views.ViewChanging() {
		v := p.views.EscalateViewChange()
		p.log.WithField("view", v).Warn("View change stalled, escalating")
		p.sendViewChange(v)
		return
	}
	if !p.hasOutstanding() {
		p.views.RecordActivity()
		return
	}
	p.StartViewChange()
}

// StartViewChange abandons the current view and broadcasts a VIEW_CHANGE.
func (p *Protocol) StartViewChange() uint64 {
	v := p.views.StartViewChange()
	p.log.WithFields(logrus.Fields{
		"view":    p.views.CurrentView(),
		"target":  v,
		"primary": p.views.CurrentPrimary(),
	}).Info("Starting view change")
	p.sendViewChange(v)
	return v
}
