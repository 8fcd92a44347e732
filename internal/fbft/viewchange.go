// View-change and new-view handling. Because the checkpoint window is
// exactly one block wide, at most one sequence number is ever in flight
// at once: n = h+1. That collapses VIEW_CHANGE's P and Q sets, and
// NEW_VIEW's Chi set, to at most one entry each, which is what
// buildPQ/buildChiEntry below rely on. Widening the pipeline would
// require generalizing these to loop over every in-flight n, and
// revisiting timer resets and the held-message admission rule with it.
package fbft

import (
	"sort"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// canSendViewChange fires once the armed timer has expired and this
// replica has not already requested the next view.
func (e *Engine) canSendViewChange() (Action, bool) {
	if !e.State.ViewChangeTimerExpired() {
		return Action{}, false
	}
	v := e.State.View()
	next := v + 1
	if e.State.HasSentViewChange(next) {
		return Action{}, false
	}
	return Action{Kind: ActionSendViewChange, View: next, Reason: "view-change timer expired"}, true
}

// applySendViewChange builds and emits the VIEW_CHANGE message for the
// next view, carrying this replica's prepared (P) and pre-prepared (Q)
// certificates for the one sequence number that can be in flight, plus its
// last checkpoint.
func (e *Engine) applySendViewChange(a Action) ([]*message.Message, *ExecutedBlock, error) {
	if _, ok := e.canSendViewChange(); !ok {
		return nil, nil, nil
	}
	v := e.State.View()
	h := e.State.LowWaterMark()
	checkpoint, _ := e.State.Checkpoint(h)

	p, q := e.buildPQ(v, h+1)

	msg := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   e.State.Config.ReplicaID,
		Payload: message.ViewChange{
			View:       a.View,
			Hi:         h,
			Checkpoint: checkpoint,
			P:          p,
			Q:          q,
		},
	}
	if err := e.Wallet.AppendSignature(msg); err != nil {
		return nil, nil, err
	}
	e.State.viewChanges.Put(a.View, 0, e.State.Config.ReplicaID, msg)
	e.State.MarkViewChangeSent(a.View)
	return []*message.Message{msg}, nil, nil
}

// buildPQ gathers this replica's P-certificate (a matching PrePrepare plus
// 2f+1 Prepares, i.e. what readySendCommits already detects) and
// Q-certificate (every PrePrepare seen at or below v for n) for one
// sequence number.
func (e *Engine) buildPQ(v, n uint64) ([]message.PreparedEntry, []message.PrePreparedEntry) {
	var p []message.PreparedEntry
	var q []message.PrePreparedEntry

	for view := uint64(0); view <= v; view++ {
		pp, ok := e.State.prePrepares.Get(view, n, e.State.Config.Primary(view))
		if !ok {
			continue
		}
		payload := pp.Payload.(message.PrePrepare)
		q = append(q, message.PrePreparedEntry{Seq: n, Digest: payload.ReqDigest, Block: payload.ProposedBlock, View: view})

		quorum := int(e.State.Config.Quorum())
		if d, ok := e.matchingReqDigest(e.State.prepares, view, n); ok && d == payload.ReqDigest {
			if len(e.State.prepares.All(view, n)) >= quorum {
				p = append(p, message.PreparedEntry{Seq: n, Digest: payload.ReqDigest, View: view})
			}
		}
	}
	return p, q
}

// ReceiveViewChange logs an inbound VIEW_CHANGE and, once 2f+1 have been
// collected for some view v' greater than the current one, transitions to
// v'.
func (e *Engine) ReceiveViewChange(msg *message.Message) error {
	vc, ok := msg.Payload.(message.ViewChange)
	if !ok {
		return ErrWrongPayloadType
	}
	if !e.State.viewChanges.Put(vc.View, 0, msg.SenderID, msg) {
		return nil // duplicate from this sender, already counted
	}

	quorum := int(e.State.Config.Quorum())
	if len(e.State.viewChanges.All(vc.View, 0)) < quorum {
		return nil
	}
	if vc.View <= e.State.View() {
		return nil
	}
	e.State.SetView(vc.View)
	return nil
}

// canSendNewView reports whether this replica, now the primary of its
// current view, still owes a NEW_VIEW bundling the view-change quorum that
// elected it.
func (e *Engine) canSendNewView() (Action, bool) {
	v := e.State.View()
	if e.State.Config.Primary(v) != e.State.Config.ReplicaID {
		return Action{}, false
	}
	if e.State.HasSentNewView(v) {
		return Action{}, false
	}
	quorum := int(e.State.Config.Quorum())
	if len(e.State.viewChanges.All(v, 0)) < quorum {
		return Action{}, false
	}
	return Action{Kind: ActionSendNewView, View: v, Reason: "primary of new view, quorum of VIEW_CHANGE collected"}, true
}

// applySendNewView assembles Nu (the collected VIEW_CHANGE quorum) and
// Chi (the re-issued PrePrepare for h+1, derived from the highest-view
// P-certificate among Nu, or empty if none carries one).
func (e *Engine) applySendNewView(a Action) ([]*message.Message, *ExecutedBlock, error) {
	if _, ok := e.canSendNewView(); !ok {
		return nil, nil, nil
	}
	v := a.View
	nu := sortedViewChangeSet(e.State.viewChanges.All(v, 0))
	n := e.State.LowWaterMark() + 1

	var chi []*message.Message
	chiEntry, certified := buildChiEntry(nu, v, n, e.State.Config.ReplicaID)
	if certified {
		chi = append(chi, chiEntry)
	}

	msg := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   e.State.Config.ReplicaID,
		Payload:    message.NewView{View: v, Nu: nu, Chi: chi},
	}
	if err := e.Wallet.AppendSignature(msg); err != nil {
		return nil, nil, err
	}
	e.State.MarkNewViewSent(v)

	out := []*message.Message{msg}
	if certified {
		// Install the re-issued PrePrepare locally exactly as a
		// non-primary would on receipt, so the new primary's log agrees
		// with what it broadcast. With nothing certified, the slot is
		// left open for a normal-case PrePrepare in the new view.
		e.State.prePrepares.Put(v, n, e.State.Config.ReplicaID, chiEntry)
		out = append(out, chiEntry)
	}
	return out, nil, nil
}

// ReceiveNewView validates an incoming NEW_VIEW (every embedded
// VIEW_CHANGE must verify, and the Chi set must be exactly the one
// buildChiEntry independently derives from Nu) and, if it checks out,
// adopts the new view and installs the re-issued PrePrepare.
func (e *Engine) ReceiveNewView(msg *message.Message, verify message.VerifyFunc) error {
	nv, ok := msg.Payload.(message.NewView)
	if !ok {
		return ErrWrongPayloadType
	}
	if err := nv.VerifyEmbedded(verify); err != nil {
		return err
	}
	// A replica that already transitioned on its own VIEW_CHANGE quorum
	// sits at nv.View when the NEW_VIEW arrives; only views strictly in
	// the past are stale.
	if nv.View < e.State.View() {
		return ErrViewNotMonotone
	}

	n := e.State.LowWaterMark() + 1
	expected, certified := buildChiEntry(nv.Nu, nv.View, n, e.State.Config.Primary(nv.View))
	if certified {
		if len(nv.Chi) != 1 || nv.Chi[0].Digest() != expected.Digest() {
			return ErrNewViewInvalid
		}
	} else if len(nv.Chi) != 0 {
		return ErrNewViewInvalid
	}

	e.State.SetView(nv.View)
	if certified {
		e.State.prePrepares.Put(nv.View, n, e.State.Config.Primary(nv.View), nv.Chi[0])
	}
	return nil
}

// buildChiEntry derives the single re-issued PrePrepare for sequence
// number n from the view-change set nu: the P-certificate with the
// highest originating view (ties broken by ascending sender id for
// determinism) whose digest also has a matching Q-certificate block.
// The second return is false when no V-C carries a certificate for n, in
// which case Chi stays empty and the slot is re-proposed normally.
func buildChiEntry(nu []*message.Message, newView, n uint64, primary uint32) (*message.Message, bool) {
	var bestView uint64
	var bestDigest message.Digest
	var bestBlock []byte
	found := false

	for _, m := range nu {
		vc, ok := m.Payload.(message.ViewChange)
		if !ok {
			continue
		}
		for _, p := range vc.P {
			if p.Seq != n {
				continue
			}
			if found && p.View <= bestView {
				continue
			}
			block, ok := findQBlock(vc.Q, n, p.Digest)
			if !ok {
				continue
			}
			found = true
			bestView = p.View
			bestDigest = p.Digest
			bestBlock = block
		}
	}

	if !found {
		return nil, false
	}
	return &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   primary,
		Payload:    message.PrePrepare{View: newView, Seq: n, ReqDigest: bestDigest, ProposedBlock: bestBlock},
	}, true
}

func findQBlock(q []message.PrePreparedEntry, n uint64, digest message.Digest) ([]byte, bool) {
	for _, e := range q {
		if e.Seq == n && e.Digest == digest {
			return e.Block, true
		}
	}
	return nil, false
}

func sortedViewChangeSet(bySender map[uint32]*message.Message) []*message.Message {
	senders := make([]uint32, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })
	out := make([]*message.Message, len(senders))
	for i, s := range senders {
		out[i] = bySender[s]
	}
	return out
}
