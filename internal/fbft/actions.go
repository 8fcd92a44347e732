package fbft

import (
	"github.com/itcoin-fbft/fbft/internal/message"
)

// ActionKind names one of the FBFT actions a replica can have ready. The
// set is closed: every protocol step is one of these.
type ActionKind string

const (
	ActionReceiveRequest             ActionKind = "ReceiveRequest"
	ActionReceivePrePrepare          ActionKind = "ReceivePrePrepare"
	ActionReceivePrepare             ActionKind = "ReceivePrepare"
	ActionReceiveCommit              ActionKind = "ReceiveCommit"
	ActionReceiveViewChange          ActionKind = "ReceiveViewChange"
	ActionReceiveNewView             ActionKind = "ReceiveNewView"
	ActionReceiveBlock               ActionKind = "ReceiveBlock"
	ActionSendPrePrepare             ActionKind = "SendPrePrepare"
	ActionSendPrepare                ActionKind = "SendPrepare"
	ActionSendCommit                 ActionKind = "SendCommit"
	ActionSendViewChange             ActionKind = "SendViewChange"
	ActionSendNewView                ActionKind = "SendNewView"
	// ProcessNewView and RecoverView complete the action vocabulary but
	// are never produced by ActiveActions: installing a NEW_VIEW happens
	// synchronously inside ReceiveNewView (after which the ordinary
	// SendPrepare path takes over), and a lagging replica recovers
	// through the BLOCK bypass in HandleInbound rather than a scheduled
	// action.
	ActionProcessNewView             ActionKind = "ProcessNewView"
	ActionRecoverView                ActionKind = "RecoverView"
	ActionExecute                    ActionKind = "Execute"
	ActionRoastInit                  ActionKind = "RoastInit"
	ActionRoastReceivePreSignature   ActionKind = "RoastReceivePreSignature"
	ActionRoastReceiveSignatureShare ActionKind = "RoastReceiveSignatureShare"
)

// Action names one ready prerequisite: a kind plus the (view, sequence,
// request digest) coordinate it applies to. The replica driver (C6)
// drains a randomized subset of these each cycle.
type Action struct {
	Kind      ActionKind
	View      uint64
	Seq       uint64
	ReqDigest message.Digest
	Reason    string
}

// Engine wires a State to its collaborators and implements every action's
// prerequisite predicate (the can* functions) and apply effect.
type Engine struct {
	State      *State
	Wallet     Wallet
	Blockchain Blockchain
	Roast      RoastCoordinator
}

func NewEngine(state *State, wallet Wallet, chain Blockchain, roast RoastCoordinator) *Engine {
	return &Engine{State: state, Wallet: wallet, Blockchain: chain, Roast: roast}
}

// ActiveActions recomputes the full set of currently ready actions by
// querying stored facts. Nothing here mutates protocol state: it only
// reports what Apply would currently accept.
func (e *Engine) ActiveActions() []Action {
	e.armViewChangeTimerIfDue()

	var actions []Action

	if a, ok := e.canSendPrePrepare(); ok {
		actions = append(actions, a)
	}
	actions = append(actions, e.readySendPrepares()...)
	actions = append(actions, e.readySendCommits()...)
	if a, ok := e.canExecute(); ok {
		actions = append(actions, a)
	}
	if a, ok := e.canSendViewChange(); ok {
		actions = append(actions, a)
	}
	if a, ok := e.canSendNewView(); ok {
		actions = append(actions, a)
	}
	if a, ok := e.canRoastInit(); ok {
		actions = append(actions, a)
	}

	return actions
}

// armViewChangeTimerIfDue starts the view-change timer the first time an
// unprocessed request at h+1 becomes current, whether or not a PrePrepare
// has already been logged for it. A request only "appears"
// once the synthetic clock reaches its timestamp (before that it is a
// future slot, not evidence the primary is stalling), so the timer is
// anchored at the request's due time, not at whichever cycle first
// observed it.
func (e *Engine) armViewChangeTimerIfDue() {
	n := e.State.LowWaterMark() + 1
	var due uint64
	found := false
	e.State.mu.Lock()
	for _, r := range e.State.requests {
		if r.Height() == n {
			due, found = uint64(r.Timestamp), true
			break
		}
	}
	e.State.mu.Unlock()
	if !found || e.State.Now() < due {
		return
	}
	e.State.ArmViewChangeTimer(due)
}

// canSendPrePrepare checks the proposal precondition: this replica is
// primary(v), no PrePrepare exists yet for (v, n), and the request at
// this sequence is the earliest unprocessed one.
func (e *Engine) canSendPrePrepare() (Action, bool) {
	v := e.State.View()
	if e.State.Config.Primary(v) != e.State.Config.ReplicaID {
		return Action{}, false
	}

	n := e.State.LowWaterMark() + 1
	if e.State.prePrepares.Count(v, n) > 0 {
		return Action{}, false
	}

	req, ok := e.State.EarliestUnprocessedRequest()
	if !ok {
		return Action{}, false
	}
	if req.Height() != n {
		return Action{}, false
	}
	if e.State.Now() < uint64(req.Timestamp) {
		// The slot is not due yet; proposing early would fail the
		// followers' future-timestamp acceptance check.
		return Action{}, false
	}

	return Action{Kind: ActionSendPrePrepare, View: v, Seq: n, ReqDigest: req.Digest(), Reason: "primary, no PrePrepare yet, earliest request matches n"}, true
}

// readySendPrepares implements SendPrepare's precondition: I am not the
// primary; I have accepted a matching PrePrepare and have not yet sent a
// Prepare for (v, n).
func (e *Engine) readySendPrepares() []Action {
	v := e.State.View()
	n := e.State.LowWaterMark() + 1
	if e.State.Config.Primary(v) == e.State.Config.ReplicaID {
		return nil
	}
	primary := e.State.Config.Primary(v)
	pp, ok := e.State.prePrepares.Get(v, n, primary)
	if !ok {
		return nil
	}
	if _, sent := e.State.prepares.Get(v, n, e.State.Config.ReplicaID); sent {
		return nil
	}
	reqDigest := pp.Payload.(message.PrePrepare).ReqDigest
	return []Action{{Kind: ActionSendPrepare, View: v, Seq: n, ReqDigest: reqDigest, Reason: "accepted matching PrePrepare, no Prepare sent yet"}}
}

// readySendCommits implements SendCommit's precondition: 2f+1 matching
// Prepares have been collected for (req, v, n).
func (e *Engine) readySendCommits() []Action {
	v := e.State.View()
	n := e.State.LowWaterMark() + 1

	if _, sent := e.State.commits.Get(v, n, e.State.Config.ReplicaID); sent {
		return nil
	}

	reqDigest, ok := e.matchingReqDigest(e.State.prepares, v, n)
	if !ok {
		return nil
	}

	return []Action{{Kind: ActionSendCommit, View: v, Seq: n, ReqDigest: reqDigest, Reason: "quorum of matching Prepares"}}
}

// matchingReqDigest counts, among the messages recorded in table at
// (v, n), how many agree on a single req_digest, returning that digest
// once a quorum of 2f+1 agree. Only PREPARE and PRE-PREPARE messages
// carry a req_digest (see reqDigestOf); any other message counts under
// the zero digest.
func (e *Engine) matchingReqDigest(table *messageTable[*message.Message], v, n uint64) (message.Digest, bool) {
	counts := make(map[message.Digest]int)
	for _, m := range table.All(v, n) {
		d := e.reqDigestOf(m)
		counts[d]++
	}
	quorum := int(e.State.Config.Quorum())
	for d, c := range counts {
		if c >= quorum {
			return d, true
		}
	}
	return message.Digest{}, false
}

func (e *Engine) reqDigestOf(m *message.Message) message.Digest {
	switch p := m.Payload.(type) {
	case message.Prepare:
		return p.ReqDigest
	case message.PrePrepare:
		return p.ReqDigest
	default:
		return message.Digest{}
	}
}

// canExecute implements Execute's precondition: 2f+1 matching Commits,
// the signing session for n has finalized, and n == h+1 (so execution is
// always in sequence-number order).
func (e *Engine) canExecute() (Action, bool) {
	n := e.State.LowWaterMark() + 1
	v := e.State.View()

	if quorumAt(e.State.commits, v, n, int(e.State.Config.Quorum())) < int(e.State.Config.Quorum()) {
		return Action{}, false
	}
	if !e.Roast.Finalized(n) {
		return Action{}, false
	}

	pp, ok := e.State.prePrepares.Get(v, n, e.State.Config.Primary(v))
	if !ok {
		return Action{}, false
	}
	reqDigest := pp.Payload.(message.PrePrepare).ReqDigest

	return Action{Kind: ActionExecute, View: v, Seq: n, ReqDigest: reqDigest, Reason: "quorum commits, session finalized, n == h+1"}, true
}

func quorumAt(table *messageTable[*message.Message], v, n uint64, quorum int) int {
	return len(table.All(v, n))
}

// canRoastInit reports whether a signing session for h+1 should be
// started: a quorum of Commits exists and no session has been started
// yet (tracked by the caller via Roast.Finalized returning false and the
// replica driver's own bookkeeping of "already started" sessions; this
// predicate only checks the FBFT-visible precondition).
func (e *Engine) canRoastInit() (Action, bool) {
	n := e.State.LowWaterMark() + 1
	v := e.State.View()

	commits := e.State.commits.All(v, n)
	if len(commits) < int(e.State.Config.Quorum()) {
		return Action{}, false
	}
	if e.Roast.Finalized(n) {
		return Action{}, false
	}

	pp, ok := e.State.prePrepares.Get(v, n, e.State.Config.Primary(v))
	if !ok {
		return Action{}, false
	}
	return Action{Kind: ActionRoastInit, View: v, Seq: n, ReqDigest: pp.Payload.(message.PrePrepare).ReqDigest, Reason: "quorum commits, no finalized session yet"}, true
}

// AcceptPrePrepare checks a proposal before it may enter the log:
// signature valid; block passes TestBlockValidity with check_signet off
// (the aggregate signature does not exist yet); the referenced request
// exists locally; block time equals the request timestamp; the request
// timestamp is not more than target_block_time/10 ahead of the local
// synthetic clock.
func (e *Engine) AcceptPrePrepare(msg *message.Message, blockTime uint32) error {
	if !e.Wallet.VerifySignature(msg) {
		return ErrSignatureInvalid
	}
	pp, ok := msg.Payload.(message.PrePrepare)
	if !ok {
		return ErrWrongPayloadType
	}
	if !e.Blockchain.TestBlockValidity(pp.Seq, pp.ProposedBlock, false) {
		return ErrBlockInvalid
	}
	req, ok := e.State.Request(pp.ReqDigest)
	if !ok {
		return ErrRequestMissing
	}
	if blockTime != req.Timestamp {
		return ErrBlockInvalid
	}
	maxFuture := e.State.Config.TargetBlockTime / 10
	if float64(req.Timestamp) > float64(e.State.Now())+maxFuture {
		return ErrBlockInvalid
	}
	return nil
}

// HandleInbound applies the held-messages policy and then logs an
// accepted non-BLOCK message into the matching table:
// messages at n <= h are discarded (obsolete), messages at n == h+2 are
// held pending a checkpoint, and everything else (n == h+1 or n > h+2) is
// logged immediately.
func (e *Engine) HandleInbound(msg *message.Message) error {
	h := e.State.LowWaterMark()

	var n uint64
	switch p := msg.Payload.(type) {
	case message.PrePrepare:
		n = p.Seq
	case message.Prepare:
		n = p.Seq
	case message.Commit:
		n = p.Seq
	case message.ViewChange:
		return e.ReceiveViewChange(msg)
	case message.NewView:
		return e.ReceiveNewView(msg, e.Wallet.VerifySignature)
	case message.RoastPreSignature:
		return e.Roast.ReceivePreSignature(currentSeq(e.State), p)
	case message.RoastSignatureShare:
		return e.Roast.ReceiveSignatureShare(currentSeq(e.State), msg.SenderID, p)
	default:
		return e.logMessage(msg)
	}

	if n <= h {
		return nil // discarded: obsolete
	}
	if n == h+2 {
		e.State.mu.Lock()
		e.State.inAwaitCheckpoint = append(e.State.inAwaitCheckpoint, msg)
		e.State.mu.Unlock()
		return nil
	}
	return e.logMessage(msg)
}

// currentSeq returns the one sequence number that can be in flight,
// h+1, which is also the only sequence number ROAST_PRE_SIGNATURE and
// ROAST_SIGNATURE_SHARE messages ever reference under the single-block
// checkpoint window (see viewchange.go's file comment).
func currentSeq(s *State) uint64 {
	return s.LowWaterMark() + 1
}

func (e *Engine) logMessage(msg *message.Message) error {
	switch p := msg.Payload.(type) {
	case message.PrePrepare:
		e.State.prePrepares.Put(p.View, p.Seq, msg.SenderID, msg)
	case message.Prepare:
		e.State.prepares.Put(p.View, p.Seq, msg.SenderID, msg)
	case message.Commit:
		e.State.commits.Put(p.View, p.Seq, msg.SenderID, msg)
	case message.ViewChange:
		e.State.viewChanges.Put(p.View, 0, msg.SenderID, msg)
	default:
		return ErrWrongPayloadType
	}
	return nil
}

// ApplyBlock advances the checkpoint when a BLOCK notification reports
// height h+1: it raises h to the new height, drains in_await_checkpoint
// back into processing, and garbage-collects every log entry at or below
// the new h. A BLOCK for any other height is ignored: a lagging replica
// catches up one notification at a time as its chain node syncs.
func (e *Engine) ApplyBlock(b message.Block) []*message.Message {
	e.State.mu.Lock()
	if b.Height != e.State.h+1 {
		e.State.mu.Unlock()
		return nil
	}
	e.State.h = b.Height
	e.State.checkpoints[b.Height] = message.Digest(b.Hash)
	e.State.lastReplyTime = uint64(b.Time)
	e.State.viewChangeAttempts = 0
	e.State.viewChangeTimerArmed = false

	for d, req := range e.State.requests {
		if req.Height() <= b.Height {
			delete(e.State.requests, d)
		}
	}

	held := e.State.inAwaitCheckpoint
	e.State.inAwaitCheckpoint = nil
	e.State.mu.Unlock()

	e.State.prePrepares.GCBelow(e.State.h + 1)
	e.State.prepares.GCBelow(e.State.h + 1)
	e.State.commits.GCBelow(e.State.h + 1)

	var promoted []*message.Message
	for _, m := range held {
		if err := e.HandleInbound(m); err == nil {
			promoted = append(promoted, m)
		}
	}
	return promoted
}
