package frost

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/itcoin-fbft/fbft/internal/curve"
)

// Signer holds one replica's long-lived FROST secret key share and runs
// the two signing rounds against whatever presignature pool and commitment
// list the ROAST session driver hands it.
type Signer struct {
	Index          SignerIndex
	SecretKeyShare *big.Int
	PublicKeyShare *curve.Point
	GroupPublicKey *curve.Point
}

// NewSigner constructs a Signer from a participant's long-term share.
func NewSigner(index SignerIndex, secretKeyShare *big.Int, publicKeyShare, groupPublicKey *curve.Point) *Signer {
	return &Signer{
		Index:          index,
		SecretKeyShare: secretKeyShare,
		PublicKeyShare: publicKeyShare,
		GroupPublicKey: groupPublicKey,
	}
}

// Round1 generates a fresh, single-use nonce pair and its public
// commitment. This runs ahead of time: the commitment is published
// before any message is known, and the nonce itself never leaves the
// signer.
func (s *Signer) Round1() (*Nonce, *Commitment, error) {
	hiding, err := s.generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("frost: generating hiding nonce: %w", err)
	}
	binding, err := s.generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("frost: generating binding nonce: %w", err)
	}

	nonce := &Nonce{Hiding: hiding, Binding: binding}
	commitment := &Commitment{
		SignerIndex: s.Index,
		Hiding:      curve.Secp256k1.EcBaseMul(hiding),
		Binding:     curve.Secp256k1.EcBaseMul(binding),
	}
	return nonce, commitment, nil
}

// generateNonce samples fresh randomness and binds it to the signer's
// secret key share via FrostHashNonce (H3), following draft-irtf-cfrg-frost
// section 5.1's "nonce_generate" to avoid ever emitting raw CSPRNG output
// as a scalar directly.
func (s *Signer) generateNonce() (*big.Int, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	secretBytes := curve.ScalarToBytes32(s.SecretKeyShare)
	return curve.FrostHashNonce(random, secretBytes[:]), nil
}

// Round2 produces this signer's signature share z_i for message, given the
// full set of Round One commitments. It implements the corrected BIP-340
// parity handling: when the aggregate nonce commitment R has an odd Y
// coordinate, every signer negates its own nonce pair before computing its
// share, so that the coordinator's final R (and every individual share) is
// consistent with the even-Y point that will actually be embedded in the
// block.
func (s *Signer) Round2(message []byte, nonce *Nonce, commitments []*Commitment) (*big.Int, error) {
	if err := validateCommitments(commitments, s.Index); err != nil {
		return nil, err
	}
	if nonce.used {
		return nil, ErrNonceReused
	}

	bindingFactors := computeBindingFactors(commitments, s.GroupPublicKey, message)
	groupCommitment := computeGroupCommitment(commitments, bindingFactors)

	negate := !curve.HasEvenY(groupCommitment)
	finalR := groupCommitment
	hiding, binding := nonce.Hiding, nonce.Binding
	if negate {
		finalR = curve.Secp256k1.EcNeg(groupCommitment)
		hiding = curve.NegScalar(hiding)
		binding = curve.NegScalar(binding)
	}

	challenge := curve.ChallengeHash(finalR, s.GroupPublicKey, message)
	lambda := deriveInterpolatingValue(sortedIndexes(commitments), s.Index)

	rho := bindingFactors[s.Index]
	share := curve.AddScalars(hiding, curve.MulScalars(rho, binding))
	share = curve.AddScalars(share, curve.MulScalars(lambda, curve.MulScalars(s.SecretKeyShare, challenge)))

	if err := nonce.Spend(); err != nil {
		return nil, err
	}
	return share, nil
}
