package roast

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/itcoin-fbft/fbft/internal/curve"
	"github.com/itcoin-fbft/fbft/internal/frost"
	"github.com/itcoin-fbft/fbft/internal/message"
)

// Driver is the replica-facing face of the ROAST protocol: it owns this
// replica's presignature pool, tracks the signing sessions in flight for
// each sequence number, and translates between the FBFT message model
// (COMMIT presignatures, ROAST_PRE_SIGNATURE, ROAST_SIGNATURE_SHARE) and
// the Session/Pool state machines. It satisfies fbft.RoastCoordinator.
//
// Exactly one replica (the primary of the view that committed the block)
// coordinates each height: it selects signer subsets from the ready pool
// and announces them. Every other replica tracks the announced sessions
// passively (feeding in the shares it observes on the bus) so that all
// replicas converge on Finalized without a second round of agreement.
//
// The Driver is owned by a single replica loop and is not safe for
// concurrent use.
type Driver struct {
	replicaID uint32
	quorum    int

	groupPublicKey *curve.Point
	pubKeyShares   map[frost.SignerIndex]*curve.Point

	pool *Pool
	log  zerolog.Logger

	heights map[uint64]*height

	// Own presignature published in this replica's COMMIT, per sequence
	// number, so repeated PreSignatureCommitment calls are stable.
	ownPresig map[uint64][]byte

	outbound []*message.Message
}

// height is the driver's per-sequence-number signing state.
type height struct {
	msg         []byte // what is being signed; nil until the session opens locally
	coordinate  bool
	ready       map[frost.SignerIndex][]byte // one unused presignature encoding per signer
	blacklisted map[frost.SignerIndex]bool
	sessions    []*Session
	signed      map[string]bool // subset encodings this replica already produced a share for
	signature   []byte

	// ROAST_PRE_SIGNATURE announcements that arrived before this replica
	// learned what is being signed at this height.
	pending []message.RoastPreSignature
}

// NewDriver constructs a Driver for one replica. signer carries the
// replica's long-term FROST key share; pubKeyShares maps every cluster
// member's signer index (replica id + 1) to its public key share.
func NewDriver(replicaID uint32, quorum int, signer *frost.Signer, pubKeyShares map[frost.SignerIndex]*curve.Point, log zerolog.Logger) *Driver {
	return &Driver{
		replicaID:      replicaID,
		quorum:         quorum,
		groupPublicKey: signer.GroupPublicKey,
		pubKeyShares:   pubKeyShares,
		pool:           NewPool(signer),
		log:            log.With().Str("component", "roast").Logger(),
		heights:        make(map[uint64]*height),
		ownPresig:      make(map[uint64][]byte),
	}
}

func (d *Driver) height(n uint64) *height {
	h, ok := d.heights[n]
	if !ok {
		h = &height{
			ready:       make(map[frost.SignerIndex][]byte),
			blacklisted: make(map[frost.SignerIndex]bool),
			signed:      make(map[string]bool),
		}
		d.heights[n] = h
	}
	return h
}

// Outbound drains the ROAST messages generated since the last call. The
// replica driver signs and broadcasts them (and self-injects the ones
// addressed to itself).
func (d *Driver) Outbound() []*message.Message {
	out := d.outbound
	d.outbound = nil
	return out
}

// PreSignatureCommitment returns the serialized presignature commitment
// this replica embeds in its COMMIT for seqNum, generating a fresh one on
// first call and returning the same bytes thereafter.
func (d *Driver) PreSignatureCommitment(seqNum uint64) ([]byte, error) {
	if enc, ok := d.ownPresig[seqNum]; ok {
		return enc, nil
	}
	enc, err := d.pool.Fresh()
	if err != nil {
		return nil, err
	}
	d.ownPresig[seqNum] = enc
	return enc, nil
}

// RecordCommitPresignature banks the presignature commitment a peer (or
// this replica itself) published in its COMMIT for seqNum. These form the
// initial ready pool the coordinator selects its first subset from.
func (d *Driver) RecordCommitPresignature(seqNum uint64, sender uint32, presig []byte) {
	h := d.height(seqNum)
	idx := frost.SignerIndex(sender + 1)
	if _, exists := h.ready[idx]; !exists && !h.blacklisted[idx] {
		h.ready[idx] = presig
	}
}

// StartSession records what is being signed at seqNum and, on the
// coordinating replica, opens the first signing session from the ready
// pool. Non-coordinators only bind the message here; the subsets reach
// them via the coordinator's ROAST_PRE_SIGNATURE announcements.
func (d *Driver) StartSession(seqNum uint64, blockDigest message.Digest, signers []uint32, coordinate bool) error {
	h := d.height(seqNum)
	if h.msg != nil {
		return nil
	}
	h.msg = append([]byte(nil), blockDigest[:]...)
	h.coordinate = coordinate

	if coordinate {
		d.openSession(seqNum, h)
	}
	d.replayPending(seqNum, h)
	return nil
}

// openSession selects the lowest-indexed quorum of ready, non-blacklisted
// signers, consumes their standing presignatures, and announces the new
// session. With fewer than a quorum ready it does nothing; a later
// roll-forward or COMMIT re-triggers it.
func (d *Driver) openSession(seqNum uint64, h *height) {
	if h.signature != nil {
		return
	}

	indexes := make([]frost.SignerIndex, 0, len(h.ready))
	for idx := range h.ready {
		indexes = append(indexes, idx)
	}
	if len(indexes) < d.quorum {
		return
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	indexes = indexes[:d.quorum]

	subset := make([]*frost.Commitment, 0, len(indexes))
	for _, idx := range indexes {
		c, err := frost.DecodeCommitment(h.ready[idx])
		if err != nil {
			d.log.Error().Err(err).Uint64("n", seqNum).Uint32("signer", uint32(idx)-1).Msg("discarding undecodable presignature")
			delete(h.ready, idx)
			return
		}
		if c.SignerIndex != idx {
			delete(h.ready, idx)
			return
		}
		subset = append(subset, c)
	}
	for _, idx := range indexes {
		delete(h.ready, idx)
	}

	h.sessions = append(h.sessions, NewSession(d.groupPublicKey, h.msg, subset, d.pubKeyShares))

	signers := make([]uint32, len(subset))
	for i, c := range subset {
		signers[i] = uint32(c.SignerIndex) - 1
	}
	d.outbound = append(d.outbound, &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   d.replicaID,
		Payload: message.RoastPreSignature{
			Signers:      signers,
			PreSignature: frost.EncodeCommitmentList(subset),
		},
	})
	d.log.Debug().Uint64("n", seqNum).Uints32("signers", signers).Msg("signing session opened")
}

// StartAdditionalSession lets the coordinator open a further concurrent
// session for seqNum from whatever the ready pool currently holds, used
// when an announced subset has gone quiet without any share being
// provably bad.
func (d *Driver) StartAdditionalSession(seqNum uint64) {
	h, ok := d.heights[seqNum]
	if !ok || !h.coordinate || h.msg == nil {
		return
	}
	d.openSession(seqNum, h)
}

// ReceivePreSignature tracks a coordinator's session announcement and, if
// this replica is one of the selected signers, produces its signature
// share and rolls a fresh presignature forward. An announcement arriving
// before this replica knows the height's message is parked and replayed
// once StartSession runs.
func (d *Driver) ReceivePreSignature(seqNum uint64, m message.RoastPreSignature) error {
	h := d.height(seqNum)
	if h.signature != nil {
		return nil
	}
	if h.msg == nil {
		h.pending = append(h.pending, m)
		return nil
	}

	subset, err := frost.DecodeCommitmentList(m.PreSignature)
	if err != nil {
		return fmt.Errorf("roast: decoding session presignature: %w", err)
	}
	if len(subset) != d.quorum {
		return fmt.Errorf("roast: announced subset has %d signers, want %d", len(subset), d.quorum)
	}

	d.trackSession(h, subset, m.PreSignature)

	selected := false
	for _, s := range m.Signers {
		if s == d.replicaID {
			selected = true
			break
		}
	}
	if !selected || h.signed[string(m.PreSignature)] {
		return nil
	}
	h.signed[string(m.PreSignature)] = true

	share, err := d.pool.Sign(h.msg, subset)
	if err != nil {
		if errors.Is(err, ErrNoStandingPresignature) {
			// The announced subset names a presignature of ours we no
			// longer hold; refusing beats risking nonce reuse.
			d.log.Warn().Uint64("n", seqNum).Msg("announced subset names a spent presignature")
			return nil
		}
		return err
	}
	next, err := d.pool.Fresh()
	if err != nil {
		return err
	}

	d.outbound = append(d.outbound, &message.Message{
		SenderRole: message.RoleReplica,
		SenderID:   d.replicaID,
		Payload: message.RoastSignatureShare{
			SigShare:     frost.EncodeShare(share),
			NextPreShare: next,
		},
	})
	return nil
}

// trackSession adds a session for an announced subset unless one with the
// same subset already exists, and clears any matching ready entries so a
// presignature can never serve two sessions.
func (d *Driver) trackSession(h *height, subset []*frost.Commitment, encoded []byte) {
	for _, s := range h.sessions {
		if string(frost.EncodeCommitmentList(s.Subset())) == string(encoded) {
			return
		}
	}
	for _, c := range subset {
		if standing, ok := h.ready[c.SignerIndex]; ok && string(standing) == string(frost.EncodeCommitment(c)) {
			delete(h.ready, c.SignerIndex)
		}
	}
	h.sessions = append(h.sessions, NewSession(d.groupPublicKey, h.msg, subset, d.pubKeyShares))
}

// replayPending re-delivers announcements that arrived before the height's
// message was known.
func (d *Driver) replayPending(seqNum uint64, h *height) {
	pending := h.pending
	h.pending = nil
	for _, m := range pending {
		if err := d.ReceivePreSignature(seqNum, m); err != nil {
			d.log.Error().Err(err).Uint64("n", seqNum).Msg("replaying parked session announcement")
		}
	}
}

// ReceiveSignatureShare routes a signer's Round Two share to the session
// it verifies against and banks the rolled-forward presignature. A share
// that verifies in none of the live sessions awaiting it is Byzantine
// evidence: the signer is blacklisted for this height, every session
// depending on it is retired, and, on the coordinator, a replacement
// session is opened from the remaining ready pool.
func (d *Driver) ReceiveSignatureShare(seqNum uint64, signer uint32, m message.RoastSignatureShare) error {
	h := d.height(seqNum)
	if h.signature != nil {
		return nil
	}
	idx := frost.SignerIndex(signer + 1)
	if h.blacklisted[idx] {
		return nil
	}

	share, err := frost.DecodeShare(m.SigShare)
	if err != nil {
		return err
	}

	routed := false
	awaiting := 0
	for _, s := range h.sessions {
		if !s.Awaiting(idx) {
			continue
		}
		awaiting++
		sig, rerr := s.ReceiveShare(idx, share)
		if errors.Is(rerr, frost.ErrShareInvalid) {
			continue
		}
		if rerr != nil && sig == nil {
			// Aggregation failed despite every share verifying; retire
			// the session and let a sibling win.
			d.log.Error().Err(rerr).Uint64("n", seqNum).Msg("retiring session after aggregation failure")
			s.MarkFailed()
			routed = true
			break
		}
		routed = true
		if sig != nil {
			serialized := sig.Serialize()
			h.signature = serialized[:]
			d.log.Info().Uint64("n", seqNum).Msg("aggregate signature finalized")
		}
		break
	}

	if !routed && awaiting > 0 {
		d.blacklist(seqNum, h, idx)
		return nil
	}

	if h.signature == nil && len(m.NextPreShare) > 0 && !h.blacklisted[idx] {
		if _, exists := h.ready[idx]; !exists {
			h.ready[idx] = append([]byte(nil), m.NextPreShare...)
		}
	}

	// If every session is retired, the coordinator owes the cluster a
	// fresh subset as soon as the ready pool allows one.
	if h.coordinate && h.signature == nil && !hasLiveSession(h) {
		d.openSession(seqNum, h)
	}
	return nil
}

func hasLiveSession(h *height) bool {
	for _, s := range h.sessions {
		if !s.Failed() && !s.Done() {
			return true
		}
	}
	return false
}

// blacklist excludes a signer from the rest of this height's signing,
// retires every session awaiting it, and (on the coordinator) opens a
// replacement session if the ready pool still reaches the threshold.
func (d *Driver) blacklist(seqNum uint64, h *height, idx frost.SignerIndex) {
	d.log.Warn().Uint64("n", seqNum).Uint32("signer", uint32(idx)-1).Msg("blacklisting signer after invalid share")
	h.blacklisted[idx] = true
	delete(h.ready, idx)
	for _, s := range h.sessions {
		if s.Awaiting(idx) {
			s.MarkFailed()
		}
	}
	if h.coordinate {
		d.openSession(seqNum, h)
	}
}

// Finalized reports whether a session for seqNum has produced its
// aggregate signature.
func (d *Driver) Finalized(seqNum uint64) bool {
	h, ok := d.heights[seqNum]
	return ok && h.signature != nil
}

// Signature returns the 64-byte aggregate signature for seqNum, if some
// session has finalized.
func (d *Driver) Signature(seqNum uint64) ([]byte, bool) {
	h, ok := d.heights[seqNum]
	if !ok || h.signature == nil {
		return nil, false
	}
	return h.signature, true
}

// GC discards per-sequence state strictly below floor, mirroring the FBFT
// log's checkpoint garbage collection.
func (d *Driver) GC(floor uint64) {
	for n := range d.heights {
		if n < floor {
			delete(d.heights, n)
			delete(d.ownPresig, n)
		}
	}
}
