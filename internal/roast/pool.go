// Package roast drives the ROAST (Robust Asynchronous Schnorr Threshold
// Signatures) protocol over internal/frost: it selects a responsive subset
// of 2f+1 signers for each message to be signed, tolerates and blacklists
// members whose share fails verification, and retries with a fresh subset
// drawn from the pool of still-willing signers until a valid aggregate
// signature is produced.
//
// The protocol state machines here are driven through explicit method
// calls rather than goroutines and channels: the replica is a
// single-threaded action cycle, and every transition happens inside one
// inbound-message dispatch.
package roast

import (
	"fmt"
	"math/big"

	"github.com/itcoin-fbft/fbft/internal/frost"
)

// Presignature is one signer's published Round One commitment together
// with the private nonce backing it. A signer always holds at least one
// ready Presignature; once one is consumed it is immediately replaced
// ("rolled forward") so the next session never waits on nonce
// generation.
type Presignature struct {
	Nonce      *frost.Nonce
	Commitment *frost.Commitment
}

// Pool tracks a single signer's standing presignatures, keyed by the wire
// encoding of their public commitment. A coordinator only ever refers to a
// presignature by the commitment bytes it saw published (in a COMMIT or a
// rolled-forward ROAST_SIGNATURE_SHARE), so the encoding is the one name
// both sides agree on without further coordination.
type Pool struct {
	signer  *frost.Signer
	standby map[string]*Presignature
}

// NewPool constructs an empty presignature pool for signer.
func NewPool(signer *frost.Signer) *Pool {
	return &Pool{signer: signer, standby: make(map[string]*Presignature)}
}

// Fresh generates a new presignature, stands it by under its own
// commitment encoding, and returns that encoding for publication.
func (p *Pool) Fresh() ([]byte, error) {
	nonce, commitment, err := p.signer.Round1()
	if err != nil {
		return nil, fmt.Errorf("roast: preparing presignature: %w", err)
	}
	enc := frost.EncodeCommitment(commitment)
	p.standby[string(enc)] = &Presignature{Nonce: nonce, Commitment: commitment}
	return enc, nil
}

// Sign consumes the standing presignature whose commitment appears in
// commitments (matched by this signer's own index) to produce a Round Two
// share over message, then discards the nonce. Signing with a commitment
// list that names no standing presignature of ours is an error: either the
// coordinator invented a commitment or the nonce was already spent, and in
// both cases producing a share would risk nonce reuse.
func (p *Pool) Sign(message []byte, commitments []*frost.Commitment) (*big.Int, error) {
	var own *frost.Commitment
	for _, c := range commitments {
		if c.SignerIndex == p.signer.Index {
			own = c
			break
		}
	}
	if own == nil {
		return nil, ErrNoStandingPresignature
	}

	key := string(frost.EncodeCommitment(own))
	pre, ok := p.standby[key]
	if !ok {
		return nil, ErrNoStandingPresignature
	}
	delete(p.standby, key)

	share, err := p.signer.Round2(message, pre.Nonce, commitments)
	if err != nil {
		return nil, err
	}
	return share, nil
}

// Standing reports how many presignatures are currently held.
func (p *Pool) Standing() int { return len(p.standby) }
