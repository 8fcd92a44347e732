package roast

import (
	"math/big"

	"github.com/itcoin-fbft/fbft/internal/curve"
	"github.com/itcoin-fbft/fbft/internal/frost"
)

// Session is one ROAST signing attempt over a fixed signer subset. The
// subset never changes: when a member's share fails verification the
// session is marked failed and the coordinator opens a new session over a
// different subset instead, per the concurrent-sessions model: several
// sessions for the same message may be in flight at once, and the first
// to collect a full set of valid shares wins.
type Session struct {
	coordinator  *frost.Coordinator
	message      []byte
	subset       []*frost.Commitment
	pubKeyShares map[frost.SignerIndex]*curve.Point

	shares    map[frost.SignerIndex]*big.Int
	failed    bool
	signature *frost.Signature
}

// NewSession opens a signing session for message over exactly the given
// commitment subset (already validated and sorted by signer index).
func NewSession(groupPublicKey *curve.Point, message []byte, subset []*frost.Commitment, pubKeyShares map[frost.SignerIndex]*curve.Point) *Session {
	return &Session{
		coordinator:  frost.NewCoordinator(groupPublicKey),
		message:      message,
		subset:       subset,
		pubKeyShares: pubKeyShares,
		shares:       make(map[frost.SignerIndex]*big.Int),
	}
}

// Done reports whether the session has produced a final signature.
func (s *Session) Done() bool { return s.signature != nil }

// Failed reports whether a bad share has poisoned this session.
func (s *Session) Failed() bool { return s.failed }

// Signature returns the finalized aggregate signature, or nil.
func (s *Session) Signature() *frost.Signature { return s.signature }

// Subset returns the fixed commitment list this session signs over.
func (s *Session) Subset() []*frost.Commitment { return s.subset }

// Awaiting reports whether the session still needs a share from
// signerIndex: the signer is in the subset, has not delivered yet, and
// the session is still live.
func (s *Session) Awaiting(signerIndex frost.SignerIndex) bool {
	if s.failed || s.Done() {
		return false
	}
	if _, delivered := s.shares[signerIndex]; delivered {
		return false
	}
	for _, c := range s.subset {
		if c.SignerIndex == signerIndex {
			return true
		}
	}
	return false
}

// MarkFailed retires the session: a subset member was blacklisted, so a
// full set of valid shares can never arrive. Failed sessions are left in
// place for bookkeeping while replacement sessions proceed.
func (s *Session) MarkFailed() { s.failed = true }

// ReceiveShare verifies and stores one signer's Round Two share. A share
// that fails verification is rejected with frost.ErrShareInvalid but does
// not poison the session: with several sessions concurrently in flight
// the share may simply belong to a sibling session over a different
// subset, and the caller uses the verification outcome to route it. Once
// every subset member has delivered, the shares are aggregated and the
// final signature returned.
func (s *Session) ReceiveShare(signerIndex frost.SignerIndex, share *big.Int) (*frost.Signature, error) {
	if s.Done() {
		return s.signature, ErrSessionFinalized
	}
	if s.failed {
		return nil, ErrSessionFailed
	}
	if !s.Awaiting(signerIndex) {
		return nil, ErrUnknownSigner
	}

	pubShare, ok := s.pubKeyShares[signerIndex]
	if !ok {
		return nil, ErrUnknownSigner
	}
	if err := s.coordinator.VerifySignatureShare(share, signerIndex, pubShare, s.subset, s.message); err != nil {
		return nil, frost.ErrShareInvalid
	}

	s.shares[signerIndex] = share
	if len(s.shares) < len(s.subset) {
		return nil, nil
	}

	pubShares := make(map[frost.SignerIndex]*curve.Point, len(s.subset))
	for _, c := range s.subset {
		pubShares[c.SignerIndex] = s.pubKeyShares[c.SignerIndex]
	}
	sig, err := s.coordinator.Aggregate(s.message, s.subset, s.shares, pubShares)
	if err != nil {
		s.failed = true
		return nil, err
	}
	s.signature = sig
	return sig, nil
}
