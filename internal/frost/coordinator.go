package frost

import (
	"fmt"
	"math/big"

	"github.com/itcoin-fbft/fbft/internal/curve"
)

// Coordinator aggregates signature shares produced against a single
// Round One commitment list into a final BIP-340 signature. It has no
// long-term secret state of its own; in ROAST terms it is the logic a
// session's coordinator runs once 2f+1 shares for one subset have arrived.
type Coordinator struct {
	GroupPublicKey *curve.Point
}

// NewCoordinator constructs a Coordinator for a fixed group public key.
func NewCoordinator(groupPublicKey *curve.Point) *Coordinator {
	return &Coordinator{GroupPublicKey: groupPublicKey}
}

// VerifySignatureShare checks an individual signer's share before it is
// folded into an aggregate. The BIP-340 parity handling is mirrored here:
// when the group commitment has an odd Y coordinate, the signer's
// commitment contribution (not just the final R) is negated in the
// verification equation, so a share computed against the negated nonce
// pair (see Signer.Round2) verifies correctly rather than being rejected
// as malformed.
func (co *Coordinator) VerifySignatureShare(share *big.Int, signerIndex SignerIndex, participantPubKeyShare *curve.Point, commitments []*Commitment, message []byte) error {
	if err := validateCommitments(commitments, signerIndex); err != nil {
		return err
	}

	var own *Commitment
	for _, c := range commitments {
		if c.SignerIndex == signerIndex {
			own = c
			break
		}
	}
	if own == nil {
		return ErrUnknownSigner
	}

	bindingFactors := computeBindingFactors(commitments, co.GroupPublicKey, message)
	groupCommitment := computeGroupCommitment(commitments, bindingFactors)

	negate := !curve.HasEvenY(groupCommitment)
	finalR := groupCommitment
	if negate {
		finalR = curve.Secp256k1.EcNeg(groupCommitment)
	}

	challenge := curve.ChallengeHash(finalR, co.GroupPublicKey, message)
	lambda := deriveInterpolatingValue(sortedIndexes(commitments), signerIndex)

	contribution := commitmentContribution(own, bindingFactors[signerIndex])
	if negate {
		contribution = curve.Secp256k1.EcNeg(contribution)
	}

	expected := curve.Secp256k1.EcAdd(
		contribution,
		curve.Secp256k1.EcMul(participantPubKeyShare, curve.MulScalars(lambda, challenge)),
	)
	actual := curve.Secp256k1.EcBaseMul(share)

	if !actual.Equal(expected) {
		return ErrShareInvalid
	}
	return nil
}

// Aggregate verifies every share against its contributing commitment and,
// if every one checks out, sums them into the final (R, z = Σ z_i)
// signature. participantPubKeyShares must contain a public key share for
// every signer index present in commitments.
func (co *Coordinator) Aggregate(message []byte, commitments []*Commitment, shares map[SignerIndex]*big.Int, participantPubKeyShares map[SignerIndex]*curve.Point) (*Signature, error) {
	if err := validateCommitments(commitments, commitments[0].SignerIndex); err != nil {
		return nil, err
	}
	if len(shares) != len(commitments) {
		return nil, ErrMismatchedCommitmentsAndResponses
	}

	for _, c := range commitments {
		share, ok := shares[c.SignerIndex]
		if !ok {
			return nil, ErrMismatchedCommitmentsAndResponses
		}
		pubShare, ok := participantPubKeyShares[c.SignerIndex]
		if !ok {
			return nil, ErrUnknownSigner
		}
		if err := co.VerifySignatureShare(share, c.SignerIndex, pubShare, commitments, message); err != nil {
			return nil, fmt.Errorf("%w: signer %d: %v", ErrInvalidSignerResponse, c.SignerIndex, err)
		}
	}

	bindingFactors := computeBindingFactors(commitments, co.GroupPublicKey, message)
	groupCommitment := computeGroupCommitment(commitments, bindingFactors)

	negate := !curve.HasEvenY(groupCommitment)
	finalR := groupCommitment
	if negate {
		finalR = curve.Secp256k1.EcNeg(groupCommitment)
	}

	z := big.NewInt(0)
	for _, c := range commitments {
		z = curve.AddScalars(z, shares[c.SignerIndex])
	}

	sig := &Signature{R: finalR, Z: z}
	if err := Verify(sig, co.GroupPublicKey, message); err != nil {
		return nil, err
	}
	return sig, nil
}
