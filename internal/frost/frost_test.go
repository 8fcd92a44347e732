package frost

import (
	"math/big"
	"testing"

	"github.com/itcoin-fbft/fbft/internal/curve"
	"github.com/itcoin-fbft/fbft/internal/testutils"
)

// newTestGroup builds a groupSize-of-threshold FROST key setup using plain
// Shamir secret sharing: keys are pre-provisioned, so tests deal shares as
// if a trusted dealer had already run once.
func newTestGroup(t *testing.T, groupSize, threshold int) (*curve.Point, []*Signer) {
	t.Helper()

	secretKey, err := curve.SampleScalar()
	if err != nil {
		t.Fatalf("sampling group secret: %v", err)
	}
	groupPublicKey := curve.Secp256k1.EcBaseMul(secretKey)

	shares := testutils.GenerateKeyShares(secretKey, groupSize, threshold, curve.Secp256k1.N())

	signers := make([]*Signer, groupSize)
	for i, share := range shares {
		pubShare := curve.Secp256k1.EcBaseMul(share)
		signers[i] = NewSigner(SignerIndex(i+1), share, pubShare, groupPublicKey)
	}
	return groupPublicKey, signers
}

func TestRoundTripSigningSubsetOfThreshold(t *testing.T) {
	groupPublicKey, signers := newTestGroup(t, 5, 3)
	message := []byte("block template digest")

	participating := []*Signer{signers[0], signers[2], signers[4]}

	nonces := make(map[SignerIndex]*Nonce, len(participating))
	commitments := make([]*Commitment, 0, len(participating))
	for _, s := range participating {
		nonce, commitment, err := s.Round1()
		if err != nil {
			t.Fatalf("Round1 for signer %d: %v", s.Index, err)
		}
		nonces[s.Index] = nonce
		commitments = append(commitments, commitment)
	}

	coordinator := NewCoordinator(groupPublicKey)

	shares := make(map[SignerIndex]*big.Int, len(participating))
	for _, s := range participating {
		share, err := s.Round2(message, nonces[s.Index], commitments)
		if err != nil {
			t.Fatalf("Round2 for signer %d: %v", s.Index, err)
		}

		if err := coordinator.VerifySignatureShare(share, s.Index, s.PublicKeyShare, commitments, message); err != nil {
			t.Fatalf("share from signer %d failed verification: %v", s.Index, err)
		}
		shares[s.Index] = share
	}

	pubKeyShares := make(map[SignerIndex]*curve.Point, len(participating))
	for _, s := range participating {
		pubKeyShares[s.Index] = s.PublicKeyShare
	}

	sig, err := coordinator.Aggregate(message, commitments, shares, pubKeyShares)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if err := Verify(sig, groupPublicKey, message); err != nil {
		t.Fatalf("final signature did not verify: %v", err)
	}
}

func TestRound2RejectsReusedNonce(t *testing.T) {
	_, signers := newTestGroup(t, 3, 2)
	message := []byte("msg")

	s := signers[0]
	nonce, commitment, err := s.Round1()
	if err != nil {
		t.Fatalf("Round1: %v", err)
	}

	other := signers[1]
	otherNonce, otherCommitment, err := other.Round1()
	if err != nil {
		t.Fatalf("Round1: %v", err)
	}

	commitments := []*Commitment{commitment, otherCommitment}
	if commitments[0].SignerIndex > commitments[1].SignerIndex {
		commitments[0], commitments[1] = commitments[1], commitments[0]
	}

	if _, err := s.Round2(message, nonce, commitments); err != nil {
		t.Fatalf("first Round2: %v", err)
	}
	if _, err := other.Round2(message, otherNonce, commitments); err != nil {
		t.Fatalf("peer Round2: %v", err)
	}

	if _, err := s.Round2(message, nonce, commitments); err == nil {
		t.Fatalf("expected reused-nonce error, got nil")
	}
}

func TestVerifySignatureShareRejectsTamperedShare(t *testing.T) {
	groupPublicKey, signers := newTestGroup(t, 3, 2)
	message := []byte("msg")

	s0, s1 := signers[0], signers[1]
	nonce0, c0, err := s0.Round1()
	if err != nil {
		t.Fatal(err)
	}
	nonce1, c1, err := s1.Round1()
	if err != nil {
		t.Fatal(err)
	}
	commitments := []*Commitment{c0, c1}
	if commitments[0].SignerIndex > commitments[1].SignerIndex {
		commitments[0], commitments[1] = commitments[1], commitments[0]
	}

	share0, err := s0.Round2(message, nonce0, commitments)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s1.Round2(message, nonce1, commitments)
	if err != nil {
		t.Fatal(err)
	}

	tampered := curve.AddScalars(share0, big.NewInt(1))

	coordinator := NewCoordinator(groupPublicKey)
	if err := coordinator.VerifySignatureShare(tampered, s0.Index, s0.PublicKeyShare, commitments, message); err == nil {
		t.Fatalf("expected tampered share to fail verification")
	}
}
