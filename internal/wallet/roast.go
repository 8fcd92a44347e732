package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/itcoin-fbft/fbft/internal/blockchain"
	"github.com/itcoin-fbft/fbft/internal/curve"
)

// ErrAggregateInvalid is returned when a finalized aggregate signature
// fails the independent BIP-340 check before block submission.
var ErrAggregateInvalid = errors.New("wallet: aggregate signature failed verification")

// RoastWallet is the threshold signing backend: inter-replica messages are
// signed with the replica's ECDSA identity key (via the embedded Keyring),
// while blocks are signed collectively through FROST/ROAST: this wallet
// only ever sees the finished 64-byte aggregate, which it verifies against
// the group key and splices into the signet solution slot.
type RoastWallet struct {
	*Keyring
	groupPublicKey *curve.Point
}

// NewRoastWallet builds the threshold wallet for one replica. The group
// public key is the signet challenge key from bitcoin.conf.
func NewRoastWallet(keyring *Keyring, groupPublicKey *curve.Point) *RoastWallet {
	return &RoastWallet{Keyring: keyring, groupPublicKey: groupPublicKey}
}

// FinalizeBlock splices the aggregate Schnorr signature into the block's
// signet solution slot. aux carries the 64-byte aggregate produced by the
// ROAST session; shares is unused by this backend (the aggregation already
// happened inside the session) and accepted only for interface parity with
// the naive wallet, which combines per-replica shares here instead.
//
// Before touching the block, the signature is re-verified with an
// independent BIP-340 implementation (btcec's schnorr package) against the
// group key, so a bug in the hand-rolled aggregation math can never
// produce a block the chain would reject.
func (w *RoastWallet) FinalizeBlock(block []byte, aux []byte, shares [][]byte) ([]byte, error) {
	if len(aux) != 64 {
		return nil, fmt.Errorf("wallet: aggregate signature is %d bytes, want 64", len(aux))
	}

	digest, err := blockchain.BlockDigest(block)
	if err != nil {
		return nil, fmt.Errorf("wallet: hashing block to finalize: %w", err)
	}
	parsedSig, err := schnorr.ParseSignature(aux)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregateInvalid, err)
	}
	xOnly := curve.XOnlyBytes(w.groupPublicKey)
	groupKey, err := schnorr.ParsePubKey(xOnly[:])
	if err != nil {
		return nil, fmt.Errorf("wallet: parsing group public key: %w", err)
	}
	if !parsedSig.Verify(digest[:], groupKey) {
		return nil, ErrAggregateInvalid
	}

	return blockchain.InsertSignetSolution(block, aux)
}
