// Package frost implements the FROST threshold Schnorr signing protocol
// (draft-irtf-cfrg-frost) specialized to the BIP-340 secp256k1
// ciphersuite: two signing rounds, per-share verification, and
// aggregation into a signature the chain accepts as a signet solution.
// There is no ciphersuite abstraction because this system only ever
// signs with this one.
package frost

import (
	"math/big"

	"github.com/itcoin-fbft/fbft/internal/curve"
)

// SignerIndex is a participant identifier in [1, N], never zero: a
// replica with id i signs as index i+1, since Lagrange interpolation at
// x=0 cannot admit a participant at zero.
type SignerIndex uint32

// Nonce is the pair of private scalars produced in FROST's Round One.
// Nonces are single-use: reusing one after Round2 has consumed it is a
// hard error, since a reused nonce leaks the secret share.
type Nonce struct {
	Hiding  *big.Int
	Binding *big.Int
	used    bool
}

// Spend marks the nonce as consumed, returning an error if it was already
// used.
func (n *Nonce) Spend() error {
	if n.used {
		return ErrNonceReused
	}
	n.used = true
	return nil
}

// Commitment is the public half of a Round One nonce pair, identified by
// the signer index that produced it.
type Commitment struct {
	SignerIndex SignerIndex
	Hiding      *curve.Point // D_i
	Binding     *curve.Point // E_i
}

// Signature is a BIP-340 Schnorr signature in (R, z) form, as produced by
// Aggregate. Serialize returns the 64-byte wire form.
type Signature struct {
	R *curve.Point
	Z *big.Int
}

// Serialize returns the 64-byte signet-solution form: R's x-only encoding
// followed by z.
func (s *Signature) Serialize() [64]byte {
	var out [64]byte
	rb := curve.XOnlyBytes(s.R)
	zb := curve.ScalarToBytes32(s.Z)
	copy(out[:32], rb[:])
	copy(out[32:], zb[:])
	return out
}

// Verify checks the signature against a message and a (possibly
// aggregated) public key, per BIP-340.
func Verify(sig *Signature, publicKey *curve.Point, message []byte) error {
	if !curve.Secp256k1.IsOnCurve(publicKey) {
		return ErrInvalidPublicKey
	}

	r := sig.R.X
	if r.Cmp(curve.Secp256k1.P()) >= 0 {
		return ErrSignatureInvalid
	}
	if sig.Z.Cmp(curve.Secp256k1.N()) >= 0 {
		return ErrSignatureInvalid
	}

	e := curve.ChallengeHash(sig.R, publicKey, message)

	R := curve.Secp256k1.EcSub(
		curve.Secp256k1.EcBaseMul(sig.Z),
		curve.Secp256k1.EcMul(publicKey, e),
	)

	if R.IsIdentity() {
		return ErrSignatureInvalid
	}
	if !curve.HasEvenY(R) {
		return ErrSignatureInvalid
	}
	if R.X.Cmp(r) != 0 {
		return ErrSignatureInvalid
	}

	return nil
}
