package consensus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CheckpointSnapshot is a stable checkpoint together with the signed votes
// that made it stable. It is the state-transfer unit for recovering nodes.
type CheckpointSnapshot struct {
	Sequence    uint64     `json:"sequence"`
	StateDigest string     `json:"stateDigest"`
	Proofs      []*Message `json:"proofs"`
	Timestamp   int64      `json:"timestamp"`
}

func (s *CheckpointSnapshot) clone() *CheckpointSnapshot {
	out := *s
	out.Proofs = make([]*Message, 0, len(s.Proofs))
	for _, p := range s.Proofs {
		cp := *p
		cp.Signature = append([]byte(nil), p.Signature...)
		out.Proofs = append(out.Proofs, &cp)
	}
	return &out
}

// CheckpointStats summarizes checkpoint progress.
type CheckpointStats struct {
	Interval           uint64 `json:"interval"`
	Threshold          int    `json:"threshold"`
	LastStableSequence uint64 `json:"last_stable_sequence"`
	StableDigest       string `json:"stable_digest,omitempty"`
	LastProposed       uint64 `json:"last_proposed"`
	PendingSequences   int    `json:"pending_sequences"`
	PendingVotes       int    `json:"pending_votes"`
	Ties               int    `json:"ties"`
}

// CheckpointManager collects CHECKPOINT votes, decides stability and tracks
// the low watermark. Votes are stored per sequence and keyed by sender, so a
// sender that votes twice for one sequence replaces its earlier vote.
type CheckpointManager struct {
	interval  uint64
	threshold int
	window    uint64

	votes        map[uint64]map[string]*Message
	stable       *CheckpointSnapshot
	lastProposed uint64
	ties         int

	now func() time.Time
	log logrus.FieldLogger
	mu  sync.RWMutex
}

// NewCheckpointManager creates a manager proposing every interval sequences
// and requiring threshold matching votes for stability.
func NewCheckpointManager(interval uint64, threshold int) *CheckpointManager {
	return &CheckpointManager{
		interval:  interval,
		threshold: threshold,
		votes:     make(map[uint64]map[string]*Message),
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger.
func (cm *CheckpointManager) SetLogger(log logrus.FieldLogger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.log = log
}

// SetClock replaces the time source used for snapshot timestamps.
func (cm *CheckpointManager) SetClock(now func() time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.now = now
}

// SetWindow bounds accepted votes to (stable, stable+window]. Zero leaves
// the upper bound open.
func (cm *CheckpointManager) SetWindow(window uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.window = window
}

// Threshold returns the stability threshold.
func (cm *CheckpointManager) Threshold() int { return cm.threshold }

// Interval returns the checkpoint cadence.
func (cm *CheckpointManager) Interval() uint64 { return cm.interval }

// ShouldCreateCheckpoint reports whether executing seq should produce a
// checkpoint proposal from this node.
func (cm *CheckpointManager) ShouldCreateCheckpoint(seq uint64) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return seq > 0 && seq%cm.interval == 0 && seq > cm.lastProposed
}

// MarkProposed records that this node proposed a checkpoint at seq.
func (cm *CheckpointManager) MarkProposed(seq uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if seq > cm.lastProposed {
		cm.lastProposed = seq
	}
}

// AddVote records a CHECKPOINT message. The boolean is true when the vote
// made its sequence stable. Signature checks are the caller's job. Only
// sequences on the checkpoint cadence and inside the window are held.
func (cm *CheckpointManager) AddVote(msg *Message) (Result, bool) {
	if msg == nil || msg.Type != MsgCheckpoint || msg.Sequence == 0 || msg.Digest == "" || msg.From == "" {
		return Rejected(ReasonMalformed), false
	}
	if msg.Sequence%cm.interval != 0 {
		return Rejected(ReasonOffCadence), false
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	var low uint64
	if cm.stable != nil {
		low = cm.stable.Sequence
	}
	if cm.stable != nil && msg.Sequence <= low {
		return Rejected(ReasonStaleCheckpoint), false
	}
	if cm.window > 0 && msg.Sequence > low+cm.window {
		return Rejected(ReasonOutOfWatermarks), false
	}

	bySender, ok := cm.votes[msg.Sequence]
	if !ok {
		bySender = make(map[string]*Message)
		cm.votes[msg.Sequence] = bySender
	}
	bySender[msg.From] = msg

	best, bestCount, tied := leadingDigest(bySender)
	if bestCount < cm.threshold {
		return Accepted(), false
	}
	if tied {
		cm.ties++
		cm.log.WithFields(logrus.Fields{
			"seq":    msg.Sequence,
			"digest": best,
			"votes":  bestCount,
		}).Warn("Checkpoint digests tied at stability threshold, waiting for another vote")
		return Result{Status: StatusAccepted, Reason: ReasonCheckpointTie}, false
	}

	proofs := make([]*Message, 0, bestCount)
	for _, vote := range bySender {
		if vote.Digest == best {
			proofs = append(proofs, vote)
		}
	}
	sort.Slice(proofs, func(i, j int) bool { return proofs[i].From < proofs[j].From })

	cm.install(&CheckpointSnapshot{
		Sequence:    msg.Sequence,
		StateDigest: best,
		Proofs:      proofs,
		Timestamp:   cm.now().UnixNano(),
	})
	return Accepted(), true
}

// leadingDigest returns the digest with the most votes and whether another
// digest has the same count.
func leadingDigest(bySender map[string]*Message) (string, int, bool) {
	counts := make(map[string]int)
	for _, vote := range bySender {
		counts[vote.Digest]++
	}
	best, bestCount, tied := "", 0, false
	for digest, count := range counts {
		switch {
		case count > bestCount:
			best, bestCount, tied = digest, count, false
		case count == bestCount:
			tied = true
		}
	}
	return best, bestCount, tied
}

// install replaces the stable checkpoint and discards every vote at or
// below it. Caller holds the lock.
func (cm *CheckpointManager) install(snap *CheckpointSnapshot) {
	cm.stable = snap
	for seq := range cm.votes {
		if seq <= snap.Sequence {
			delete(cm.votes, seq)
		}
	}
	if snap.Sequence > cm.lastProposed {
		cm.lastProposed = snap.Sequence
	}
	cm.log.WithFields(logrus.Fields{
		"seq":    snap.Sequence,
		"digest": snap.StateDigest,
		"proofs": len(snap.Proofs),
	}).Info("Checkpoint stable")
}

// LastStableSequence returns the stable sequence, 0 before the first one.
func (cm *CheckpointManager) LastStableSequence() uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.stable == nil {
		return 0
	}
	return cm.stable.Sequence
}

// StableCheckpoint returns a copy of the stable checkpoint, or nil.
func (cm *CheckpointManager) StableCheckpoint() *CheckpointSnapshot {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.stable == nil {
		return nil
	}
	return cm.stable.clone()
}

// IsBeforeStableCheckpoint reports whether seq is below the stable sequence.
func (cm *CheckpointManager) IsBeforeStableCheckpoint(seq uint64) bool {
	return seq < cm.LastStableSequence()
}

// PendingVotes returns how many votes are held for seq.
func (cm *CheckpointManager) PendingVotes(seq uint64) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.votes[seq])
}

// PendingSequences lists sequences with unresolved votes, ascending.
func (cm *CheckpointManager) PendingSequences() []uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	seqs := make([]uint64, 0, len(cm.votes))
	for seq := range cm.votes {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Export returns the stable checkpoint for state transfer.
func (cm *CheckpointManager) Export() (*CheckpointSnapshot, error) {
	snap := cm.StableCheckpoint()
	if snap == nil {
		return nil, ErrNoStableCheckpoint
	}
	return snap, nil
}

// Import installs snap as the stable checkpoint once at least threshold
// distinct senders are proven by valid CHECKPOINT signatures.
func (cm *CheckpointManager) Import(snap *CheckpointSnapshot, verifier BatchVerifier) error {
	if snap == nil || snap.Sequence == 0 || snap.StateDigest == "" {
		return fmt.Errorf("%w: empty snapshot", ErrInvalidCheckpoint)
	}
	if verifier == nil {
		return fmt.Errorf("%w: no verifier", ErrInvalidCheckpoint)
	}
	if stable := cm.LastStableSequence(); snap.Sequence <= stable {
		return fmt.Errorf("%w: snapshot %d, stable %d", ErrStaleCheckpoint, snap.Sequence, stable)
	}

	candidates := make([]*Message, 0, len(snap.Proofs))
	seen := make(map[string]struct{}, len(snap.Proofs))
	for _, proof := range snap.Proofs {
		if proof == nil || proof.Type != MsgCheckpoint ||
			proof.Sequence != snap.Sequence || proof.Digest != snap.StateDigest {
			continue
		}
		if _, dup := seen[proof.From]; dup {
			continue
		}
		seen[proof.From] = struct{}{}
		candidates = append(candidates, proof)
	}

	valid := make([]*Message, 0, len(candidates))
	for i, ok := range verifier.VerifyAll(candidates) {
		if ok {
			valid = append(valid, candidates[i])
		}
	}
	if len(valid) < cm.threshold {
		return fmt.Errorf("%w: %d valid proofs, need %d", ErrInvalidCheckpoint, len(valid), cm.threshold)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.stable != nil && snap.Sequence <= cm.stable.Sequence {
		return fmt.Errorf("%w: snapshot %d, stable %d", ErrStaleCheckpoint, snap.Sequence, cm.stable.Sequence)
	}
	imported := &CheckpointSnapshot{
		Sequence:    snap.Sequence,
		StateDigest: snap.StateDigest,
		Proofs:      valid,
		Timestamp:   snap.Timestamp,
	}
	cm.install(imported.clone())
	return nil
}

// Stats returns a summary for observability.
func (cm *CheckpointManager) Stats() CheckpointStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats := CheckpointStats{
		Interval:         cm.interval,
		Threshold:        cm.threshold,
		LastProposed:     cm.lastProposed,
		PendingSequences: len(cm.votes),
		Ties:             cm.ties,
	}
	for _, bySender := range cm.votes {
		stats.PendingVotes += len(bySender)
	}
	if cm.stable != nil {
		stats.LastStableSequence = cm.stable.Sequence
		stats.StableDigest = cm.stable.StateDigest
	}
	return stats
}
