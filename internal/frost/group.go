package frost

import (
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/itcoin-fbft/fbft/internal/curve"
)

// validateCommitments applies the checks FROST requires of a Round Two
// commitment list before it can be used: non-empty, strictly sorted by
// signer index (so every participant derives the same binding factors and
// Lagrange coefficients from it), free of duplicates, every point on the
// curve, and containing the calling signer's own commitment.
func validateCommitments(commitments []*Commitment, self SignerIndex) error {
	if len(commitments) == 0 {
		return ErrCommitmentsEmpty
	}

	foundSelf := false
	for i, c := range commitments {
		if i > 0 && commitments[i-1].SignerIndex >= c.SignerIndex {
			if commitments[i-1].SignerIndex == c.SignerIndex {
				return ErrDuplicateSigner
			}
			return ErrCommitmentsNotSorted
		}
		if !curve.Secp256k1.IsOnCurve(c.Hiding) || !curve.Secp256k1.IsOnCurve(c.Binding) {
			return ErrCommitmentOffCurve
		}
		if c.SignerIndex == self {
			foundSelf = true
		}
	}
	if !foundSelf {
		return ErrSelfCommitmentMissing
	}
	return nil
}

// encodeCommitmentList serializes the commitment list in the canonical
// form consumed by FrostHashCommitment: signer index (4 bytes big-endian)
// followed by the 33-byte compressed encodings of D_i and E_i, for every
// commitment in index order.
func encodeCommitmentList(commitments []*Commitment) []byte {
	var buf []byte
	for _, c := range commitments {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(c.SignerIndex))
		buf = append(buf, idx[:]...)
		buf = append(buf, curve.CompressedBytes(c.Hiding)...)
		buf = append(buf, curve.CompressedBytes(c.Binding)...)
	}
	return buf
}

// computeBindingFactors derives rho_i for every signer in the commitment
// list, binding each signer's nonce pair to the full commitment list, the
// group public key and the message, per draft-irtf-cfrg-frost section 4.3.
func computeBindingFactors(commitments []*Commitment, groupPubKey *curve.Point, message []byte) map[SignerIndex]*big.Int {
	msgHash := curve.FrostHashMsg(message)
	comEnc := encodeCommitmentList(commitments)
	comHash := curve.FrostHashCommitment(comEnc)

	factors := make(map[SignerIndex]*big.Int, len(commitments))
	for _, c := range commitments {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(c.SignerIndex))

		rhoInput := append([]byte{}, curve.CompressedBytes(groupPubKey)...)
		rhoInput = append(rhoInput, msgHash...)
		rhoInput = append(rhoInput, idx[:]...)
		rhoInput = append(rhoInput, comHash...)

		factors[c.SignerIndex] = curve.FrostHashRho(rhoInput)
	}
	return factors
}

// computeGroupCommitment sums each signer's D_i + rho_i*E_i contribution
// into the aggregate nonce commitment R.
func computeGroupCommitment(commitments []*Commitment, bindingFactors map[SignerIndex]*big.Int) *curve.Point {
	r := curve.Secp256k1.Identity()
	for _, c := range commitments {
		contribution := commitmentContribution(c, bindingFactors[c.SignerIndex])
		r = curve.Secp256k1.EcAdd(r, contribution)
	}
	return r
}

// commitmentContribution returns D_i + rho_i*E_i for a single signer,
// the per-signer term summed by computeGroupCommitment and checked
// individually by VerifySignatureShare.
func commitmentContribution(c *Commitment, rho *big.Int) *curve.Point {
	return curve.Secp256k1.EcAdd(c.Hiding, curve.Secp256k1.EcMul(c.Binding, rho))
}

// deriveInterpolatingValue computes the Lagrange coefficient lambda_i that
// reconstructs the secret at x=0 from the share at signerIndex, given the
// full set of participating indexes.
func deriveInterpolatingValue(indexes []SignerIndex, signerIndex SignerIndex) *big.Int {
	num := big.NewInt(1)
	den := big.NewInt(1)

	xi := curve.ScalarFromUint32(uint32(signerIndex))

	for _, j := range indexes {
		if j == signerIndex {
			continue
		}
		xj := curve.ScalarFromUint32(uint32(j))

		num = curve.MulScalars(num, xj)
		diff := curve.AddScalars(xj, curve.NegScalar(xi))
		den = curve.MulScalars(den, diff)
	}

	return curve.MulScalars(num, curve.InverseScalar(den))
}

// sortedIndexes returns the signer indexes present in commitments, in
// ascending order, for use as the interpolation index set.
func sortedIndexes(commitments []*Commitment) []SignerIndex {
	out := make([]SignerIndex, len(commitments))
	for i, c := range commitments {
		out[i] = c.SignerIndex
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
