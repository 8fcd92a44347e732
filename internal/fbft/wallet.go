package fbft

import "github.com/itcoin-fbft/fbft/internal/message"

// Wallet is everything the FBFT state machine needs from a signing
// backend: naive per-replica ECDSA or the threshold FROST/ROAST backend,
// interchangeably. The state machine is parameterized over its
// collaborators rather than wired to one concrete implementation, which
// keeps it deterministic given (config, blockchain, wallet) and its own
// stored facts.
type Wallet interface {
	AppendSignature(msg *message.Message) error
	VerifySignature(msg *message.Message) bool
}

// Blockchain is everything the FBFT state machine needs from the chain
// adapter: validating a proposed block before
// accepting its PrePrepare, and generating the candidate block a primary
// proposes in its own PrePrepare.
type Blockchain interface {
	TestBlockValidity(height uint64, block []byte, checkSignet bool) bool
	GenerateBlock(timestamp uint32) ([]byte, error)
	BlockDigest(block []byte) ([32]byte, error)
}

// RoastCoordinator is the FBFT-level view of a running threshold-signing
// session: it starts sessions over a chosen signer subset and reports
// whether one has finalized for a given sequence number. The session
// math itself lives in internal/roast and internal/frost; this interface
// only carries the coordination surface the RoastInit/RoastReceive*
// actions need, consistent with the Wallet/Blockchain narrowing above.
type RoastCoordinator interface {
	// StartSession binds the digest being signed at seqNum and, when
	// coordinate is set (this replica is the committing view's primary),
	// opens the first signing session over the given signer subset.
	StartSession(seqNum uint64, blockDigest message.Digest, signers []uint32, coordinate bool) error
	ReceivePreSignature(seqNum uint64, msg message.RoastPreSignature) error
	ReceiveSignatureShare(seqNum uint64, signer uint32, msg message.RoastSignatureShare) error
	Finalized(seqNum uint64) bool
	PreSignatureCommitment(seqNum uint64) ([]byte, error)
	Signature(seqNum uint64) ([]byte, bool)
}
