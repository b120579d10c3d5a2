package consensus

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// sendViewChange broadcasts a VIEW_CHANGE for view v carrying the stable
// checkpoint and every prepared certificate above it.
func (p *Protocol) sendViewChange(v uint64) {
	vc := &ViewChange{}
	if stable := p.checkpoints.StableCheckpoint(); stable != nil {
		vc.StableSequence = stable.Sequence
		vc.StableDigest = stable.StateDigest
		vc.CheckpointProofs = stable.Proofs
	}

	seqs := make([]uint64, 0, len(p.certs))
	for seq := range p.certs {
		if seq > vc.StableSequence {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		vc.Prepared = append(vc.Prepared, p.certs[seq])
	}

	msg := p.newMessage(MsgViewChange, v, 0, "")
	msg.ViewChange = vc
	if err := p.signAndSend(msg); err != nil {
		p.log.WithError(err).Error("Failed to sign view change")
		return
	}
	p.storeViewChange(msg)
	p.maybeSendNewView(v)
}

func (p *Protocol) storeViewChange(msg *Message) {
	bySender, ok := p.viewChanges[msg.View]
	if !ok {
		bySender = make(map[string]*Message)
		p.viewChanges[msg.View] = bySender
	}
	bySender[msg.From] = msg
}

// HandleViewChange records a VIEW_CHANGE, joins a view change backed by f+1
// replicas and lets the new primary assemble NEW_VIEW.
func (p *Protocol) HandleViewChange(msg *Message) Result {
	if res := p.authenticate(msg, MsgViewChange); res.IsRejected() {
		return res
	}
	if msg.ViewChange == nil {
		return Rejected(ReasonMalformed)
	}
	if msg.View <= p.views.CurrentView() {
		return Rejected(ReasonStaleView)
	}
	if msg.View > p.views.CurrentView()+uint64(p.views.N()) {
		return Rejected(ReasonViewTooFar)
	}
	if !p.validViewChange(msg, p.verifyBatch(collectViewChange(msg, nil))) {
		p.log.WithFields(logrus.Fields{"from": msg.From, "view": msg.View}).Warn("Invalid view change")
		return Rejected(ReasonInvalidViewChange)
	}

	p.storeViewChange(msg)
	p.log.WithFields(logrus.Fields{"from": msg.From, "view": msg.View}).Debug("View change received")

	if target, ok := p.joinTarget(); ok && p.views.JoinViewChange(target) {
		p.log.WithField("target", target).Info("Joining view change")
		p.sendViewChange(target)
	}
	p.maybeSendNewView(msg.View)
	return Accepted()
}

// joinTarget finds the smallest view requested by f+1 distinct replicas
// above the view this node is currently heading to.
func (p *Protocol) joinTarget() (uint64, bool) {
	floor := p.views.PendingView()
	lowest := make(map[string]uint64)
	for v, bySender := range p.viewChanges {
		if v <= floor {
			continue
		}
		for sender := range bySender {
			if cur, ok := lowest[sender]; !ok || v < cur {
				lowest[sender] = v
			}
		}
	}
	if len(lowest) < p.views.WeakQuorumSize() {
		return 0, false
	}
	var target uint64
	first := true
	for _, v := range lowest {
		if first || v < target {
			target, first = v, false
		}
	}
	return target, true
}

func (p *Protocol) maybeSendNewView(v uint64) {
	if p.views.Primary(v) != p.id || p.newViewSent[v] || v <= p.views.CurrentView() {
		return
	}
	vcs := sortedViewChanges(p.viewChanges[v])
	if len(vcs) < p.views.QuorumSize() {
		return
	}

	prePrepares, _, _ := p.computeReproposals(v, vcs)
	for _, pp := range prePrepares {
		pp.Timestamp = p.now().UnixNano()
		if err := p.keys.Sign(pp); err != nil {
			p.log.WithError(err).Error("Failed to sign re-proposal")
			return
		}
	}

	msg := p.newMessage(MsgNewView, v, 0, "")
	msg.NewView = &NewView{ViewChanges: vcs, PrePrepares: prePrepares}
	if err := p.signAndSend(msg); err != nil {
		p.log.WithError(err).Error("Failed to sign new view")
		return
	}
	p.newViewSent[v] = true

	p.log.WithFields(logrus.Fields{
		"view":         v,
		"view_changes": len(vcs),
		"reproposals":  len(prePrepares),
	}).Info("Broadcasting new view")
	p.installView(v, vcs, prePrepares)
}

// HandleNewView checks a NEW_VIEW against a locally recomputed re-proposal
// set and installs the view.
func (p *Protocol) HandleNewView(msg *Message) Result {
	if res := p.authenticate(msg, MsgNewView); res.IsRejected() {
		return res
	}
	if msg.NewView == nil {
		return Rejected(ReasonMalformed)
	}
	v := msg.View
	if v <= p.views.CurrentView() {
		return Rejected(ReasonStaleView)
	}
	if msg.From != p.views.Primary(v) {
		return Rejected(ReasonNotFromPrimary)
	}

	var batch []*Message
	for _, vc := range msg.NewView.ViewChanges {
		batch = collectViewChange(vc, batch)
	}
	batch = append(batch, msg.NewView.PrePrepares...)
	valid := p.verifyBatch(batch)

	seen := make(map[string]struct{})
	vcs := make([]*Message, 0, len(msg.NewView.ViewChanges))
	for _, vc := range msg.NewView.ViewChanges {
		if vc == nil || vc.Type != MsgViewChange || vc.View != v || vc.ViewChange == nil {
			continue
		}
		if _, dup := seen[vc.From]; dup || !p.registry.Contains(vc.From) {
			continue
		}
		if !p.validViewChange(vc, valid) {
			continue
		}
		seen[vc.From] = struct{}{}
		vcs = append(vcs, vc)
	}
	if len(vcs) < p.views.QuorumSize() {
		return p.rejectNewView(msg, "not enough valid view changes")
	}

	expected, _, _ := p.computeReproposals(v, vcs)
	got := msg.NewView.PrePrepares
	if len(expected) != len(got) {
		return p.rejectNewView(msg, "re-proposal count mismatch")
	}
	for i, want := range expected {
		pp := got[i]
		if pp == nil || pp.Type != MsgPrePrepare || pp.From != want.From || pp.View != v ||
			pp.Sequence != want.Sequence || pp.Digest != want.Digest || pp.Request == nil ||
			RequestDigest(pp.Request) != pp.Digest || !valid[pp] {
			return p.rejectNewView(msg, "re-proposal mismatch")
		}
	}

	p.log.WithFields(logrus.Fields{"view": v, "from": msg.From}).Info("New view accepted")
	p.installView(v, vcs, got)
	return Accepted()
}

func (p *Protocol) rejectNewView(msg *Message, why string) Result {
	p.log.WithFields(logrus.Fields{"view": msg.View, "from": msg.From}).Warnf("Invalid new view: %s", why)
	return Rejected(ReasonInvalidNewView)
}

// computeReproposals derives the PRE_PREPAREs the primary of v must issue:
// every sequence between the highest stable checkpoint and the highest
// prepared certificate, using the certificate from the latest view and a
// null request where none exists.
func (p *Protocol) computeReproposals(v uint64, vcs []*Message) ([]*Message, uint64, uint64) {
	var minS uint64
	for _, vc := range vcs {
		if vc.ViewChange.StableSequence > minS {
			minS = vc.ViewChange.StableSequence
		}
	}

	best := make(map[uint64]PreparedCert)
	maxS := minS
	for _, vc := range vcs {
		for _, cert := range vc.ViewChange.Prepared {
			if cert.Sequence <= minS {
				continue
			}
			cur, ok := best[cert.Sequence]
			if !ok || cert.View > cur.View || (cert.View == cur.View && cert.Digest < cur.Digest) {
				best[cert.Sequence] = cert
			}
			if cert.Sequence > maxS {
				maxS = cert.Sequence
			}
		}
	}

	primary := p.views.Primary(v)
	out := make([]*Message, 0, maxS-minS)
	for seq := minS + 1; seq <= maxS; seq++ {
		req := NullRequest()
		if cert, ok := best[seq]; ok {
			req = cert.Request
		}
		out = append(out, &Message{
			Type:     MsgPrePrepare,
			From:     primary,
			View:     v,
			Sequence: seq,
			Digest:   RequestDigest(req),
			Request:  req,
		})
	}
	return out, minS, maxS
}

// installView moves to view v and processes the re-proposals as the
// PRE_PREPAREs of the new view.
func (p *Protocol) installView(v uint64, vcs []*Message, prePrepares []*Message) {
	if err := p.views.CompleteViewChange(v); err != nil {
		p.log.WithError(err).Warn("Failed to install view")
		return
	}

	var newest *ViewChange
	for _, vc := range vcs {
		if newest == nil || vc.ViewChange.StableSequence > newest.StableSequence {
			newest = vc.ViewChange
		}
	}
	if newest != nil && newest.StableSequence > p.checkpoints.LastStableSequence() {
		err := p.ImportCheckpoint(&CheckpointSnapshot{
			Sequence:    newest.StableSequence,
			StateDigest: newest.StableDigest,
			Proofs:      newest.CheckpointProofs,
			Timestamp:   p.now().UnixNano(),
		}, p.verifier)
		if err != nil {
			p.log.WithError(err).Warn("Failed to import checkpoint from view change")
		}
	}

	previous := p.states
	p.states = make(map[uint64]*RequestState)
	for seq, msgs := range p.early {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.View >= v {
				kept = append(kept, m)
			}
		}
		p.earlyCount -= len(msgs) - len(kept)
		if len(kept) == 0 {
			delete(p.early, seq)
		} else {
			p.early[seq] = kept
		}
	}
	for view := range p.viewChanges {
		if view <= v {
			delete(p.viewChanges, view)
		}
	}
	for view := range p.newViewSent {
		if view < v {
			delete(p.newViewSent, view)
		}
	}

	low := p.lowWatermark()
	var maxS uint64
	for _, pp := range prePrepares {
		if pp.Sequence > maxS {
			maxS = pp.Sequence
		}
		if pp.Sequence <= low {
			continue
		}
		if res := p.acceptPrePrepare(pp, true); res.IsRejected() {
			p.log.WithFields(logrus.Fields{"seq": pp.Sequence, "reason": res.Reason}).Warn("Re-proposal rejected")
		}
	}
	p.nextSequence = max(maxS, low)
	p.requeueDropped(previous, low)
	p.views.RecordActivity()

	p.log.WithFields(logrus.Fields{
		"view":    v,
		"primary": p.views.Primary(v),
		"next":    p.nextSequence + 1,
	}).Info("View installed")

	if p.views.IsPrimary(p.id) {
		pending := make([]*Request, 0, len(p.forwarded))
		for _, req := range p.forwarded {
			pending = append(pending, req)
		}
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].Timestamp != pending[j].Timestamp {
				return pending[i].Timestamp < pending[j].Timestamp
			}
			return pending[i].ClientID < pending[j].ClientID
		})
		for _, req := range pending {
			if _, err := p.ProposeRequest(req); err != nil {
				p.log.WithError(err).Warn("Failed to propose forwarded request")
				break
			}
		}
	}
	p.executeReady()
}

// requeueDropped releases requests that were pre-prepared in an earlier view
// but not carried into the new one, so the new primary can propose them
// again. previous holds the request states from before the view change.
func (p *Protocol) requeueDropped(previous map[uint64]*RequestState, low uint64) {
	for digest, seq := range p.proposed {
		if seq <= low || p.IsExecuted(seq) {
			continue
		}
		if st, ok := p.states[seq]; ok && st.Digest == digest {
			continue
		}
		delete(p.proposed, digest)
		old, ok := previous[seq]
		if !ok || old.Digest != digest || old.Request == nil || old.Request.IsNull() {
			continue
		}
		p.forwarded[digest] = old.Request
		p.log.WithFields(logrus.Fields{"seq": seq, "view": old.View}).Debug("Requeued request dropped by view change")
	}
}

// validViewChange checks the checkpoint proofs and prepared certificates of
// a VIEW_CHANGE. valid holds signature results for every embedded message.
func (p *Protocol) validViewChange(msg *Message, valid map[*Message]bool) bool {
	vc := msg.ViewChange
	if !valid[msg] {
		return false
	}

	if vc.StableSequence > 0 {
		senders := make(map[string]struct{})
		for _, proof := range vc.CheckpointProofs {
			if proof == nil || proof.Type != MsgCheckpoint || proof.Sequence != vc.StableSequence ||
				proof.Digest != vc.StableDigest || !valid[proof] {
				continue
			}
			senders[proof.From] = struct{}{}
		}
		if len(senders) < p.views.QuorumSize() {
			return false
		}
	}

	for i := range vc.Prepared {
		cert := &vc.Prepared[i]
		if cert.Sequence <= vc.StableSequence || cert.Sequence > vc.StableSequence+p.cfg.WatermarkWindow {
			return false
		}
		if cert.View >= msg.View || !p.validCert(cert, valid) {
			return false
		}
	}
	return true
}

// validCert checks a PRE_PREPARE from the primary of cert.View plus 2f
// matching PREPAREs from distinct backups.
func (p *Protocol) validCert(cert *PreparedCert, valid map[*Message]bool) bool {
	pp := cert.PrePrepare
	primary := p.views.Primary(cert.View)
	if cert.Request == nil || RequestDigest(cert.Request) != cert.Digest {
		return false
	}
	if pp == nil || pp.Type != MsgPrePrepare || pp.From != primary || pp.View != cert.View ||
		pp.Sequence != cert.Sequence || pp.Digest != cert.Digest || !valid[pp] {
		return false
	}

	senders := make(map[string]struct{})
	for _, prep := range cert.Prepares {
		if prep == nil || prep.Type != MsgPrepare || prep.From == primary || prep.View != cert.View ||
			prep.Sequence != cert.Sequence || prep.Digest != cert.Digest || !valid[prep] {
			continue
		}
		senders[prep.From] = struct{}{}
	}
	return len(senders) >= 2*p.views.F()
}

// collectViewChange appends msg and every signed message embedded in it.
func collectViewChange(msg *Message, out []*Message) []*Message {
	if msg == nil {
		return out
	}
	out = append(out, msg)
	if msg.ViewChange == nil {
		return out
	}
	out = append(out, msg.ViewChange.CheckpointProofs...)
	for _, cert := range msg.ViewChange.Prepared {
		if cert.PrePrepare != nil {
			out = append(out, cert.PrePrepare)
		}
		out = append(out, cert.Prepares...)
	}
	return out
}

func (p *Protocol) verifyBatch(msgs []*Message) map[*Message]bool {
	filtered := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			filtered = append(filtered, m)
		}
	}
	results := p.verifier.VerifyAll(filtered)
	valid := make(map[*Message]bool, len(filtered))
	for i, m := range filtered {
		valid[m] = i < len(results) && results[i]
	}
	return valid
}

func sortedViewChanges(bySender map[string]*Message) []*Message {
	out := make([]*Message, 0, len(bySender))
	for _, msg := range bySender {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}
