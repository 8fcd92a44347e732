// Package wallet provides the two interchangeable signing backends of the
// replica: the naive wallet, which signs blocks per replica through the
// chain node, and the threshold ROAST wallet, which verifies the finished
// FROST/ROAST aggregate and splices it into the block. Both sign
// inter-replica messages with the local ECDSA Keyring and satisfy the
// same Wallet capability so
// the FBFT engine and the replica driver never know which one is wired in.
package wallet

import (
	"errors"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// ErrSignatureInvalid names the case of an inbound message whose signature
// does not verify against its declared sender's identity key.
// VerifySignature reports that case as false and does not return it.
var ErrSignatureInvalid = errors.New("wallet: message signature failed verification")

// ErrUnknownSender names the case of a message from a replica id outside
// the configured cluster. VerifySignature reports that case as false and
// does not return it.
var ErrUnknownSender = errors.New("wallet: message sender is not a configured replica")

// Wallet is the signing capability both backends implement: signing and
// verifying inter-replica messages over their digests, and composing the
// final signature material into a submittable block.
type Wallet interface {
	// AppendSignature signs msg's digest and stores the signature on the
	// message in place.
	AppendSignature(msg *message.Message) error

	// VerifySignature checks msg's signature against the identity key of
	// its declared sender. BLOCK messages are never signed and always
	// verify.
	VerifySignature(msg *message.Message) bool

	// FinalizeBlock composes the aggregate signature material into the
	// block's signet solution and returns the signed block.
	FinalizeBlock(block []byte, aux []byte, shares [][]byte) ([]byte, error)
}
