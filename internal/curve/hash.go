package curve

import (
	"crypto/sha256"
	"math/big"
)

// frostContextString is the FROST domain-separation prefix for this
// ciphersuite: "FROST-secp256k1-SHA256-v10" followed by one of
// {"rho", "chal", "nonce", "msg", "com"}.
const frostContextString = "FROST-secp256k1-SHA256-v10"

// bip340ChallengeTag is the BIP-340 tag used for the Schnorr challenge
// e = H(R.x || P.x || m).
const bip340ChallengeTag = "BIP0340/challenge"

// TaggedHash implements the BIP-340 tagged hash:
// SHA256(SHA256(tag) || SHA256(tag) || msg).
func TaggedHash(tag string, msgs ...[]byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, m := range msgs {
		h.Write(m)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashToScalar tagged-hashes msgs and reduces the result modulo the curve
// order. As noted in BIP-340, this reduction is biased in general but the
// bias is negligible for secp256k1's order.
func hashToScalar(tag string, msgs ...[]byte) *big.Int {
	h := TaggedHash(tag, msgs...)
	s := new(big.Int).SetBytes(h[:])
	return s.Mod(s, Secp256k1.N())
}

// ChallengeHash computes the BIP-340 Schnorr challenge e = H(R.x || P.x || m).
func ChallengeHash(r, p *Point, msg []byte) *big.Int {
	rb := XOnlyBytes(r)
	pb := XOnlyBytes(p)
	return hashToScalar(bip340ChallengeTag, rb[:], pb[:], msg)
}

// FrostHashRho is H1 from the FROST spec: binds a binding factor to a
// participant index.
func FrostHashRho(msg []byte) *big.Int {
	return hashToScalar(frostContextString+"rho", msg)
}

// FrostHashChallenge is H2 from the FROST spec, specialized to reuse the
// BIP-340 challenge tag as required for BIP-340 compatibility.
func FrostHashChallenge(r, p *Point, msg []byte) *big.Int {
	return ChallengeHash(r, p, msg)
}

// FrostHashNonce is H3 from the FROST spec: used to derive a nonce from
// fresh randomness salted with the signer's secret key share.
func FrostHashNonce(randomBytes, secret []byte) *big.Int {
	return hashToScalar(frostContextString+"nonce", randomBytes, secret)
}

// FrostHashMsg is H4 from the FROST spec: a fixed-length digest of the
// message being signed.
func FrostHashMsg(msg []byte) []byte {
	h := TaggedHash(frostContextString+"msg", msg)
	return h[:]
}

// FrostHashCommitment is H5 from the FROST spec: a fixed-length digest of
// the encoded commitment list.
func FrostHashCommitment(encodedCommitments []byte) []byte {
	h := TaggedHash(frostContextString+"com", encodedCommitments)
	return h[:]
}
