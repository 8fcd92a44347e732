package fbft

import (
	"fmt"
	"sort"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// ExecutedBlock is returned by Apply(ActionExecute): the block the replica
// driver should hand to the blockchain adapter for submission, alongside
// the request it satisfies.
type ExecutedBlock struct {
	Seq     uint64
	Height  uint64
	Request Request
	Block   []byte
}

// Apply performs the effect of one previously reported active Action: it
// mutates State and returns any outbound messages the caller (the replica
// driver, C6) must sign and broadcast. Applying an action whose
// precondition no longer holds (e.g. because an interleaved inbound
// message already satisfied it) is a no-op, since every predicate in
// actions.go is re-checked here before the effect runs, so apply is
// idempotent under races between cycle draining and inbound processing.
func (e *Engine) Apply(a Action) ([]*message.Message, *ExecutedBlock, error) {
	switch a.Kind {
	case ActionSendPrePrepare:
		return e.applySendPrePrepare(a)
	case ActionSendPrepare:
		return e.applySendPrepare(a)
	case ActionSendCommit:
		return e.applySendCommit(a)
	case ActionSendViewChange:
		return e.applySendViewChange(a)
	case ActionSendNewView:
		return e.applySendNewView(a)
	case ActionExecute:
		return e.applyExecute(a)
	case ActionRoastInit:
		return e.applyRoastInit(a)
	default:
		return nil, nil, fmt.Errorf("fbft: %s has no direct apply effect (handled via HandleInbound)", a.Kind)
	}
}

func (e *Engine) applySendPrePrepare(a Action) ([]*message.Message, *ExecutedBlock, error) {
	if _, ok := e.canSendPrePrepare(); !ok {
		return nil, nil, nil
	}
	req, ok := e.State.Request(a.ReqDigest)
	if !ok {
		return nil, nil, ErrRequestMissing
	}
	block, err := e.Blockchain.GenerateBlock(req.Timestamp)
	if err != nil {
		return nil, nil, fmt.Errorf("fbft: generating block for %s: %w", req.Text(), err)
	}
	msg := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   e.State.Config.ReplicaID,
		Payload: message.PrePrepare{
			View:          a.View,
			Seq:           a.Seq,
			ReqDigest:     a.ReqDigest,
			ProposedBlock: block,
		},
	}
	if err := e.Wallet.AppendSignature(msg); err != nil {
		return nil, nil, err
	}
	e.State.prePrepares.Put(a.View, a.Seq, e.State.Config.ReplicaID, msg)
	return []*message.Message{msg}, nil, nil
}

func (e *Engine) applySendPrepare(a Action) ([]*message.Message, *ExecutedBlock, error) {
	ready := e.readySendPrepares()
	found := false
	for _, r := range ready {
		if r.View == a.View && r.Seq == a.Seq {
			found = true
		}
	}
	if !found {
		return nil, nil, nil
	}
	msg := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   e.State.Config.ReplicaID,
		Payload:    message.Prepare{View: a.View, Seq: a.Seq, ReqDigest: a.ReqDigest},
	}
	if err := e.Wallet.AppendSignature(msg); err != nil {
		return nil, nil, err
	}
	e.State.prepares.Put(a.View, a.Seq, e.State.Config.ReplicaID, msg)
	return []*message.Message{msg}, nil, nil
}

func (e *Engine) applySendCommit(a Action) ([]*message.Message, *ExecutedBlock, error) {
	ready := e.readySendCommits()
	found := false
	for _, r := range ready {
		if r.View == a.View && r.Seq == a.Seq {
			found = true
		}
	}
	if !found {
		return nil, nil, nil
	}
	preSig, err := e.Roast.PreSignatureCommitment(a.Seq)
	if err != nil {
		return nil, nil, fmt.Errorf("fbft: preparing commit presignature for n=%d: %w", a.Seq, err)
	}
	msg := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   e.State.Config.ReplicaID,
		Payload:    message.Commit{View: a.View, Seq: a.Seq, PreSignature: preSig},
	}
	if err := e.Wallet.AppendSignature(msg); err != nil {
		return nil, nil, err
	}
	e.State.commits.Put(a.View, a.Seq, e.State.Config.ReplicaID, msg)
	return []*message.Message{msg}, nil, nil
}

// applyRoastInit starts the threshold-signing session for n=h+1 once a
// quorum of Commits is in hand, selecting the 2f+1 lowest-indexed senders
// among those Commits as the signer subset S: lowest-indexed is the
// deterministic choice every correct replica converges on without
// further coordination.
func (e *Engine) applyRoastInit(a Action) ([]*message.Message, *ExecutedBlock, error) {
	if _, ok := e.canRoastInit(); !ok {
		return nil, nil, nil
	}
	pp, ok := e.State.prePrepares.Get(a.View, a.Seq, e.State.Config.Primary(a.View))
	if !ok {
		return nil, nil, ErrRequestMissing
	}
	blockDigest, err := e.Blockchain.BlockDigest(pp.Payload.(message.PrePrepare).ProposedBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("fbft: hashing proposed block for n=%d: %w", a.Seq, err)
	}
	commits := e.State.commits.All(a.View, a.Seq)
	signers := make([]uint32, 0, len(commits))
	for sender := range commits {
		signers = append(signers, sender)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })
	quorum := int(e.State.Config.Quorum())
	if len(signers) > quorum {
		signers = signers[:quorum]
	}
	coordinate := e.State.Config.Primary(a.View) == e.State.Config.ReplicaID
	if err := e.Roast.StartSession(a.Seq, message.Digest(blockDigest), signers, coordinate); err != nil {
		return nil, nil, fmt.Errorf("fbft: starting roast session for n=%d: %w", a.Seq, err)
	}
	return nil, nil, nil
}

// applyExecute marks sequence number a.Seq as executed and returns the
// block the replica driver must hand to the blockchain adapter, once it
// has combined it with the finalized aggregate signature. It does not
// itself advance h: h only advances on the BLOCK notification the chain
// node emits once the submitted block is actually accepted.
func (e *Engine) applyExecute(a Action) ([]*message.Message, *ExecutedBlock, error) {
	if _, ok := e.canExecute(); !ok {
		return nil, nil, nil
	}
	req, ok := e.State.Request(a.ReqDigest)
	if !ok {
		return nil, nil, ErrRequestMissing
	}
	pp, ok := e.State.prePrepares.Get(a.View, a.Seq, e.State.Config.Primary(a.View))
	if !ok {
		return nil, nil, ErrRequestMissing
	}
	block := pp.Payload.(message.PrePrepare).ProposedBlock

	e.State.mu.Lock()
	e.State.executedAt[a.Seq] = a.ReqDigest
	e.State.mu.Unlock()

	return nil, &ExecutedBlock{Seq: a.Seq, Height: a.Seq, Request: req, Block: block}, nil
}
