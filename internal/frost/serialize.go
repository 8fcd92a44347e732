package frost

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/itcoin-fbft/fbft/internal/curve"
)

// Wire sizes of a serialized nonce commitment: a 4-byte big-endian signer
// index followed by the 33-byte compressed encodings of D_i and E_i. This
// is the "serialised nonce commitment" a COMMIT message carries as its
// pre_signature, and the unit a ROAST_PRE_SIGNATURE's combined
// presignature is a concatenation of.
const (
	commitmentIndexLen = 4
	commitmentPointLen = 33
	CommitmentLen      = commitmentIndexLen + 2*commitmentPointLen
)

// EncodeCommitment serializes a single Round One commitment.
func EncodeCommitment(c *Commitment) []byte {
	out := make([]byte, 0, CommitmentLen)
	var idx [commitmentIndexLen]byte
	binary.BigEndian.PutUint32(idx[:], uint32(c.SignerIndex))
	out = append(out, idx[:]...)
	out = append(out, curve.CompressedBytes(c.Hiding)...)
	out = append(out, curve.CompressedBytes(c.Binding)...)
	return out
}

// DecodeCommitment parses a single serialized commitment.
func DecodeCommitment(b []byte) (*Commitment, error) {
	if len(b) != CommitmentLen {
		return nil, fmt.Errorf("frost: commitment encoding is %d bytes, want %d", len(b), CommitmentLen)
	}
	idx := binary.BigEndian.Uint32(b[:commitmentIndexLen])
	if idx == 0 {
		return nil, ErrUnknownSigner
	}
	hiding, err := curve.ParseCompressed(b[commitmentIndexLen : commitmentIndexLen+commitmentPointLen])
	if err != nil {
		return nil, fmt.Errorf("frost: decoding hiding commitment: %w", err)
	}
	binding, err := curve.ParseCompressed(b[commitmentIndexLen+commitmentPointLen:])
	if err != nil {
		return nil, fmt.Errorf("frost: decoding binding commitment: %w", err)
	}
	return &Commitment{SignerIndex: SignerIndex(idx), Hiding: hiding, Binding: binding}, nil
}

// EncodeCommitmentList serializes a full commitment list by simple
// concatenation, in the list's (sorted) order.
func EncodeCommitmentList(commitments []*Commitment) []byte {
	out := make([]byte, 0, len(commitments)*CommitmentLen)
	for _, c := range commitments {
		out = append(out, EncodeCommitment(c)...)
	}
	return out
}

// DecodeCommitmentList parses a concatenation of serialized commitments.
func DecodeCommitmentList(b []byte) ([]*Commitment, error) {
	if len(b) == 0 || len(b)%CommitmentLen != 0 {
		return nil, fmt.Errorf("frost: commitment list encoding is %d bytes, not a multiple of %d", len(b), CommitmentLen)
	}
	out := make([]*Commitment, 0, len(b)/CommitmentLen)
	for off := 0; off < len(b); off += CommitmentLen {
		c, err := DecodeCommitment(b[off : off+CommitmentLen])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// EncodeShare serializes a Round Two signature share as a 32-byte scalar.
func EncodeShare(share *big.Int) []byte {
	b := curve.ScalarToBytes32(share)
	return b[:]
}

// DecodeShare parses a 32-byte signature share.
func DecodeShare(b []byte) (*big.Int, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("frost: share encoding is %d bytes, want 32", len(b))
	}
	var arr [32]byte
	copy(arr[:], b)
	return curve.ScalarFromBytes32(arr), nil
}
