package blockchain

import (
	"bytes"
	"errors"
	"fmt"

	btcdchain "github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// ErrNoSolutionSlot is returned when a block's coinbase does not end with
// the signet header and an empty solution slot.
var ErrNoSolutionSlot = errors.New("blockchain: coinbase carries no signet solution slot")

// InsertSignetSolution replaces the trailing 5 bytes of the last coinbase
// output's scriptPubKey (the signet header plus the empty push prefix
// reserved at generation time) with header || push-prefix || solution
// (0x40 plus 64 bytes for an aggregate Schnorr signature, longer for a
// multisig witness). The header is left exactly as ground at generation
// time: the Merkle root commits to the signet header but not the
// solution, and a signet-aware validator strips the solution back out of
// the coinbase before recomputing the root, so rewriting the root here
// would be what breaks validation.
func InsertSignetSolution(raw []byte, solution []byte) ([]byte, error) {
	block, err := decodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("blockchain: decoding block to finalize: %w", err)
	}
	if len(solution) == 0 {
		return nil, ErrNoSolutionSlot
	}

	coinbase := block.Transactions[0]
	last := coinbase.TxOut[len(coinbase.TxOut)-1]
	script := last.PkScript
	if len(script) < len(signetHeader)+1 {
		return nil, ErrNoSolutionSlot
	}
	slot := script[len(script)-len(signetHeader)-1:]
	if !bytes.Equal(slot[:len(signetHeader)], signetHeader) || slot[len(signetHeader)] != emptySolutionPrefix {
		return nil, ErrNoSolutionSlot
	}

	solved := append([]byte{}, script[:len(script)-len(signetHeader)-1]...)
	solved = append(solved, signetHeader...)
	solved = append(solved, pushPrefix(len(solution))...)
	solved = append(solved, solution...)
	last.PkScript = solved

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("blockchain: serializing finalized block: %w", err)
	}
	return buf.Bytes(), nil
}

// pushPrefix returns the minimal script push prefix for n data bytes:
// 0x40 for the common 64-byte Schnorr solution.
func pushPrefix(n int) []byte {
	switch {
	case n <= 75:
		return []byte{byte(n)}
	case n <= 0xff:
		return []byte{0x4c, byte(n)} // OP_PUSHDATA1
	default:
		return []byte{0x4d, byte(n), byte(n >> 8)} // OP_PUSHDATA2
	}
}

// BlockTime extracts the header timestamp of a serialized block, used by
// the PRE_PREPARE acceptance rule's block-time-equals-request-timestamp
// check.
func BlockTime(raw []byte) (uint32, error) {
	block, err := decodeBlock(raw)
	if err != nil {
		return 0, err
	}
	return uint32(block.Header.Timestamp.Unix()), nil
}

// BlockDigest returns the header hash of a serialized block as a 32-byte
// array, the value the threshold signature is computed over.
func BlockDigest(raw []byte) ([32]byte, error) {
	var out [32]byte
	block, err := decodeBlock(raw)
	if err != nil {
		return out, err
	}
	h := block.Header.BlockHash()
	copy(out[:], h[:])
	return out, nil
}

// BlockDigest satisfies the engine-facing adapter interface as a method.
func (c *Chain) BlockDigest(raw []byte) ([32]byte, error) {
	return BlockDigest(raw)
}

// BlockTime satisfies the driver-facing adapter interface as a method.
func (c *Chain) BlockTime(raw []byte) (uint32, error) {
	return BlockTime(raw)
}

// grindHeader increments the header nonce until the proof-of-work hash
// meets the compact target. Signet difficulty is minimal, so this loop
// terminates after a handful of iterations in practice.
func grindHeader(header *wire.BlockHeader) {
	target := btcdchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		return
	}
	for {
		hash := header.BlockHash()
		if btcdchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		header.Nonce++
	}
}
