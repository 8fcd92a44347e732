package fbft

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// fakeWallet signs with a recognizable stamp and accepts any message
// carrying one, so engine tests exercise protocol logic without real keys.
type fakeWallet struct{}

func (fakeWallet) AppendSignature(m *message.Message) error {
	d := m.Digest()
	m.Signature = append([]byte{0x5a}, d[:]...)
	return nil
}

func (fakeWallet) VerifySignature(m *message.Message) bool {
	if m.Payload.Type() == message.TypeBlock {
		return true
	}
	d := m.Digest()
	return len(m.Signature) == 33 && m.Signature[0] == 0x5a && [32]byte(m.Signature[1:]) == [32]byte(d)
}

// fakeChain produces deterministic pseudo-blocks whose first four bytes
// encode the requested timestamp, so BlockTime can read it back.
type fakeChain struct {
	invalid map[string]bool
}

func (c *fakeChain) GenerateBlock(timestamp uint32) ([]byte, error) {
	block := make([]byte, 84)
	binary.BigEndian.PutUint32(block[:4], timestamp)
	return block, nil
}

func (c *fakeChain) TestBlockValidity(height uint64, block []byte, checkSignet bool) bool {
	return !c.invalid[string(block)]
}

func (c *fakeChain) BlockDigest(block []byte) ([32]byte, error) {
	if len(block) < 4 {
		return [32]byte{}, fmt.Errorf("short block")
	}
	return sha256.Sum256(block), nil
}

func (c *fakeChain) blockTime(block []byte) uint32 {
	return binary.BigEndian.Uint32(block[:4])
}

// fakeRoast records session starts and lets tests flip finalization.
type fakeRoast struct {
	started   map[uint64][]uint32
	finalized map[uint64]bool
	presigs   int
}

func newFakeRoast() *fakeRoast {
	return &fakeRoast{started: make(map[uint64][]uint32), finalized: make(map[uint64]bool)}
}

func (r *fakeRoast) StartSession(seq uint64, digest message.Digest, signers []uint32, coordinate bool) error {
	if _, ok := r.started[seq]; !ok {
		r.started[seq] = signers
	}
	return nil
}

func (r *fakeRoast) ReceivePreSignature(seq uint64, m message.RoastPreSignature) error { return nil }
func (r *fakeRoast) ReceiveSignatureShare(seq uint64, signer uint32, m message.RoastSignatureShare) error {
	return nil
}
func (r *fakeRoast) Finalized(seq uint64) bool { return r.finalized[seq] }
func (r *fakeRoast) PreSignatureCommitment(seq uint64) ([]byte, error) {
	r.presigs++
	return []byte{0x70, byte(r.presigs)}, nil
}
func (r *fakeRoast) Signature(seq uint64) ([]byte, bool) { return nil, false }

func newTestEngine(t *testing.T, id uint32) (*Engine, *fakeChain, *fakeRoast) {
	t.Helper()
	cfg := Config{ReplicaID: id, ClusterSize: 4, GenesisTimestamp: 0, TargetBlockTime: 60}
	chain := &fakeChain{invalid: make(map[string]bool)}
	roast := newFakeRoast()
	return NewEngine(NewState(cfg), fakeWallet{}, chain, roast), chain, roast
}

func testRequest() Request {
	return Request{GenesisTimestamp: 0, TargetBlockTime: 60, Timestamp: 60}
}

func findAction(actions []Action, kind ActionKind) (Action, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return Action{}, false
}

func TestPrimaryProposesOncePerSlot(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	req := testRequest()
	e.State.AddRequest(req)

	// The slot is not due yet: no proposal at time zero.
	if _, ok := findAction(e.ActiveActions(), ActionSendPrePrepare); ok {
		t.Fatalf("primary proposed before the request's timestamp")
	}

	e.State.Advance(60)
	a, ok := findAction(e.ActiveActions(), ActionSendPrePrepare)
	if !ok {
		t.Fatalf("primary did not propose at the due time")
	}
	if a.Seq != 1 || a.ReqDigest != req.Digest() {
		t.Fatalf("unexpected proposal coordinates: n=%d", a.Seq)
	}

	out, _, err := e.Apply(a)
	if err != nil {
		t.Fatalf("Apply(SendPrePrepare): %v", err)
	}
	if len(out) != 1 || out[0].Payload.Type() != message.TypePrePrepare {
		t.Fatalf("expected exactly one outbound PRE_PREPARE")
	}

	// Applying again must be a no-op: at most one PRE_PREPARE per (v, n).
	if _, ok := findAction(e.ActiveActions(), ActionSendPrePrepare); ok {
		t.Fatalf("primary offered a second proposal for the same slot")
	}
	again, _, err := e.Apply(a)
	if err != nil || again != nil {
		t.Fatalf("replayed SendPrePrepare was not a no-op: %v %v", again, err)
	}
}

// buildPrePrepare fabricates the primary's proposal as a backup replica
// would receive it.
func buildPrePrepare(t *testing.T, chain *fakeChain, req Request, v, n uint64, sender uint32) *message.Message {
	t.Helper()
	block, err := chain.GenerateBlock(req.Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	m := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   sender,
		Payload:    message.PrePrepare{View: v, Seq: n, ReqDigest: req.Digest(), ProposedBlock: block},
	}
	if err := (fakeWallet{}).AppendSignature(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func buildPrepare(t *testing.T, req Request, v, n uint64, sender uint32) *message.Message {
	t.Helper()
	m := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   sender,
		Payload:    message.Prepare{View: v, Seq: n, ReqDigest: req.Digest()},
	}
	if err := (fakeWallet{}).AppendSignature(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func buildCommit(t *testing.T, v, n uint64, sender uint32) *message.Message {
	t.Helper()
	m := &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   sender,
		Payload:    message.Commit{View: v, Seq: n, PreSignature: []byte{byte(sender)}},
	}
	if err := (fakeWallet{}).AppendSignature(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBackupPreparesThenCommits(t *testing.T) {
	e, chain, _ := newTestEngine(t, 1)
	req := testRequest()
	e.State.AddRequest(req)
	e.State.Advance(60)

	pp := buildPrePrepare(t, chain, req, 0, 1, 0)
	if err := e.AcceptPrePrepare(pp, chain.blockTime(pp.Payload.(message.PrePrepare).ProposedBlock)); err != nil {
		t.Fatalf("AcceptPrePrepare: %v", err)
	}
	if err := e.HandleInbound(pp); err != nil {
		t.Fatalf("HandleInbound(pp): %v", err)
	}

	a, ok := findAction(e.ActiveActions(), ActionSendPrepare)
	if !ok {
		t.Fatalf("backup did not offer SendPrepare after accepting the proposal")
	}
	out, _, err := e.Apply(a)
	if err != nil || len(out) != 1 {
		t.Fatalf("Apply(SendPrepare): %v", err)
	}

	// Two more PREPAREs complete the quorum of 2f+1 = 3.
	for _, sender := range []uint32{2, 3} {
		if err := e.HandleInbound(buildPrepare(t, req, 0, 1, sender)); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := findAction(e.ActiveActions(), ActionSendCommit); !ok {
		t.Fatalf("no SendCommit after a quorum of matching PREPAREs")
	}
}

func TestExecuteNeedsQuorumCommitsAndFinalizedSession(t *testing.T) {
	e, chain, roast := newTestEngine(t, 1)
	req := testRequest()
	e.State.AddRequest(req)
	e.State.Advance(60)

	pp := buildPrePrepare(t, chain, req, 0, 1, 0)
	if err := e.HandleInbound(pp); err != nil {
		t.Fatal(err)
	}
	for _, sender := range []uint32{0, 2, 3} {
		if err := e.HandleInbound(buildCommit(t, 0, 1, sender)); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := findAction(e.ActiveActions(), ActionExecute); ok {
		t.Fatalf("Execute offered before the signing session finalized")
	}
	if _, ok := findAction(e.ActiveActions(), ActionRoastInit); !ok {
		t.Fatalf("no RoastInit with a quorum of COMMITs in hand")
	}

	roast.finalized[1] = true
	a, ok := findAction(e.ActiveActions(), ActionExecute)
	if !ok {
		t.Fatalf("no Execute with quorum commits and a finalized session")
	}
	_, executed, err := e.Apply(a)
	if err != nil {
		t.Fatalf("Apply(Execute): %v", err)
	}
	if executed == nil || executed.Height != 1 {
		t.Fatalf("Execute did not surface the block for submission")
	}
}

func TestRejectsPrePrepareForUnknownRequest(t *testing.T) {
	e, chain, _ := newTestEngine(t, 1)
	e.State.Advance(60)

	req := testRequest() // never added to the request log
	pp := buildPrePrepare(t, chain, req, 0, 1, 0)
	err := e.AcceptPrePrepare(pp, chain.blockTime(pp.Payload.(message.PrePrepare).ProposedBlock))
	if err != ErrRequestMissing {
		t.Fatalf("expected ErrRequestMissing, got %v", err)
	}
}

func TestRejectsPrePrepareWithInvalidBlock(t *testing.T) {
	e, chain, _ := newTestEngine(t, 1)
	req := testRequest()
	e.State.AddRequest(req)
	e.State.Advance(60)

	pp := buildPrePrepare(t, chain, req, 0, 1, 0)
	chain.invalid[string(pp.Payload.(message.PrePrepare).ProposedBlock)] = true
	err := e.AcceptPrePrepare(pp, chain.blockTime(pp.Payload.(message.PrePrepare).ProposedBlock))
	if err != ErrBlockInvalid {
		t.Fatalf("expected ErrBlockInvalid, got %v", err)
	}
}

func TestEmptyViewChange(t *testing.T) {
	// A backup with a due request and no proposal from the primary: the
	// timer (30s at k=0) runs out at t=91 and a VIEW_CHANGE for view 1
	// is emitted with no prepared certificate.
	e, _, _ := newTestEngine(t, 1)
	req := testRequest()
	e.State.AddRequest(req)

	e.State.Advance(60)
	e.ActiveActions() // arms the timer at the request's due time
	if _, ok := findAction(e.ActiveActions(), ActionSendViewChange); ok {
		t.Fatalf("view change before the timer expired")
	}

	e.State.Advance(91)
	a, ok := findAction(e.ActiveActions(), ActionSendViewChange)
	if !ok {
		t.Fatalf("no view change after timer expiry")
	}
	if a.View != 1 {
		t.Fatalf("view change targets view %d, want 1", a.View)
	}

	out, _, err := e.Apply(a)
	if err != nil || len(out) != 1 {
		t.Fatalf("Apply(SendViewChange): %v", err)
	}
	vc := out[0].Payload.(message.ViewChange)
	if len(vc.P) != 0 {
		t.Fatalf("unprepared replica emitted a P-certificate")
	}

	// The attempt counter doubled the next timeout: no immediate re-fire.
	if _, ok := findAction(e.ActiveActions(), ActionSendViewChange); ok {
		t.Fatalf("view change re-fired immediately after sending")
	}
}

func TestNewViewFromEmptyViewChanges(t *testing.T) {
	// Replica 1 is the primary of view 1: collecting three V-Cs with no
	// certificates yields a NEW_VIEW with empty Chi, and the outstanding
	// request is then proposed normally in the new view.
	e, _, _ := newTestEngine(t, 1)
	req := testRequest()
	e.State.AddRequest(req)
	e.State.Advance(91)
	e.ActiveActions()

	a, ok := findAction(e.ActiveActions(), ActionSendViewChange)
	if !ok {
		t.Fatalf("no view change offered")
	}
	if _, _, err := e.Apply(a); err != nil {
		t.Fatal(err)
	}
	for _, sender := range []uint32{2, 3} {
		vc := &message.Message{
			SenderRole: message.RoleReplica,
			SenderID:   sender,
			Payload:    message.ViewChange{View: 1, Hi: 0},
		}
		if err := (fakeWallet{}).AppendSignature(vc); err != nil {
			t.Fatal(err)
		}
		if err := e.HandleInbound(vc); err != nil {
			t.Fatal(err)
		}
	}

	if e.State.View() != 1 {
		t.Fatalf("no transition to view 1 after a quorum of V-Cs")
	}
	a, ok = findAction(e.ActiveActions(), ActionSendNewView)
	if !ok {
		t.Fatalf("new primary did not offer SendNewView")
	}
	out, _, err := e.Apply(a)
	if err != nil {
		t.Fatal(err)
	}
	nv := out[0].Payload.(message.NewView)
	if len(nv.Chi) != 0 {
		t.Fatalf("expected empty Chi with no certificates, got %d entries", len(nv.Chi))
	}
	if len(nv.Nu) != 3 {
		t.Fatalf("NEW_VIEW bundles %d V-Cs, want 3", len(nv.Nu))
	}

	// The outstanding request is proposed normally by the new primary.
	if _, ok := findAction(e.ActiveActions(), ActionSendPrePrepare); !ok {
		t.Fatalf("new primary did not re-propose the outstanding request")
	}
}

func TestPreparedViewChangeCarriesCertificate(t *testing.T) {
	// Replica 3 saw the proposal and a full prepare quorum before the
	// view change: its VIEW_CHANGE must carry the P-entry, and the new
	// primary must re-issue the same block in Chi.
	e, chain, _ := newTestEngine(t, 3)
	req := testRequest()
	e.State.AddRequest(req)
	e.State.Advance(60)

	pp := buildPrePrepare(t, chain, req, 0, 1, 0)
	if err := e.HandleInbound(pp); err != nil {
		t.Fatal(err)
	}
	for _, sender := range []uint32{1, 2, 3} {
		if err := e.HandleInbound(buildPrepare(t, req, 0, 1, sender)); err != nil {
			t.Fatal(err)
		}
	}

	e.ActiveActions()
	e.State.Advance(91)
	a, ok := findAction(e.ActiveActions(), ActionSendViewChange)
	if !ok {
		t.Fatalf("no view change offered")
	}
	out, _, err := e.Apply(a)
	if err != nil {
		t.Fatal(err)
	}
	vc := out[0].Payload.(message.ViewChange)
	if len(vc.P) != 1 || vc.P[0].Seq != 1 || vc.P[0].Digest != req.Digest() || vc.P[0].View != 0 {
		t.Fatalf("prepared certificate missing or wrong: %+v", vc.P)
	}
	if len(vc.Q) != 1 || vc.Q[0].Digest != req.Digest() {
		t.Fatalf("pre-prepared certificate missing: %+v", vc.Q)
	}

	// The new primary derives Chi from that certificate.
	chi, certified := buildChiEntry([]*message.Message{out[0]}, 1, 1, 1)
	if !certified {
		t.Fatalf("no Chi entry derived from a prepared V-C")
	}
	reissued := chi.Payload.(message.PrePrepare)
	if reissued.ReqDigest != req.Digest() || reissued.View != 1 || reissued.Seq != 1 {
		t.Fatalf("re-issued proposal disagrees with the certificate")
	}
}

func TestCheckpointAdvancesAndCollectsGarbage(t *testing.T) {
	e, chain, _ := newTestEngine(t, 1)
	req := testRequest()
	e.State.AddRequest(req)
	e.State.Advance(60)

	pp := buildPrePrepare(t, chain, req, 0, 1, 0)
	if err := e.HandleInbound(pp); err != nil {
		t.Fatal(err)
	}
	for _, sender := range []uint32{1, 2, 3} {
		if err := e.HandleInbound(buildPrepare(t, req, 0, 1, sender)); err != nil {
			t.Fatal(err)
		}
	}

	e.ApplyBlock(message.Block{Height: 1, Time: 60, Hash: [32]byte{0x01}})

	if got := e.State.LowWaterMark(); got != 1 {
		t.Fatalf("h = %d after accepting block 1, want 1", got)
	}
	if e.State.prePrepares.Count(0, 1) != 0 || e.State.prepares.Count(0, 1) != 0 {
		t.Fatalf("log entries at n <= h survived garbage collection")
	}

	// Checkpoint monotonicity: a stale or future notification is ignored.
	e.ApplyBlock(message.Block{Height: 1, Time: 60, Hash: [32]byte{0x02}})
	e.ApplyBlock(message.Block{Height: 3, Time: 180, Hash: [32]byte{0x03}})
	if got := e.State.LowWaterMark(); got != 1 {
		t.Fatalf("h = %d after stale/future notifications, want 1", got)
	}
}

func TestHeldMessagesDrainAfterCheckpoint(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	req2 := Request{GenesisTimestamp: 0, TargetBlockTime: 60, Timestamp: 120}
	e.State.AddRequest(req2)

	// A PREPARE for n = h+2 is held, not logged and not dropped.
	early := buildPrepare(t, req2, 0, 2, 2)
	if err := e.HandleInbound(early); err != nil {
		t.Fatal(err)
	}
	if e.State.prepares.Count(0, 2) != 0 {
		t.Fatalf("message at h+2 was logged instead of held")
	}

	// The checkpoint at height 1 promotes it.
	e.ApplyBlock(message.Block{Height: 1, Time: 60, Hash: [32]byte{0xaa}})
	if e.State.prepares.Count(0, 2) != 1 {
		t.Fatalf("held message was not promoted after the checkpoint")
	}

	// Messages at n <= h are discarded outright.
	stale := buildPrepare(t, testRequest(), 0, 1, 2)
	if err := e.HandleInbound(stale); err != nil {
		t.Fatal(err)
	}
	if e.State.prepares.Count(0, 1) != 0 {
		t.Fatalf("stale message was logged")
	}
}
