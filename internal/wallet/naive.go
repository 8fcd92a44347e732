package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/itcoin-fbft/fbft/internal/blockchain"
)

// NodeWallet is the slice of the chain node's wallet RPC surface the naive
// backend depends on, implemented by blockchain.Chain.
type NodeWallet interface {
	SignMessage(p2pkh string, msg string) (string, error)
	VerifyMessage(p2pkh string, signature string, msg string) (bool, error)
	SignetSpendPSBT(block []byte) (string, error)
}

// NaiveWallet is the non-threshold backend: every replica signs the block
// individually through its chain node, and the per-replica signatures are
// combined into a multisig signet solution over PSBT. Inter-replica
// message signatures still go through the local Keyring (DER-encoded
// ECDSA over the message digest), not through the node wallet.
type NaiveWallet struct {
	*Keyring
	node      NodeWallet
	ownP2PKH  string
	peerP2PKH map[uint32]string
}

// NewNaiveWallet builds the naive wallet; p2pkh addresses come from the
// replica set in miner.conf.json.
func NewNaiveWallet(keyring *Keyring, node NodeWallet, ownP2PKH string, peerP2PKH map[uint32]string) *NaiveWallet {
	return &NaiveWallet{Keyring: keyring, node: node, ownP2PKH: ownP2PKH, peerP2PKH: peerP2PKH}
}

// GetBlockSignature signs the candidate block with this replica's node
// wallet, returning the signed PSBT this replica contributes to the
// multisig solution.
func (w *NaiveWallet) GetBlockSignature(block []byte) ([]byte, error) {
	unsigned, err := w.node.SignetSpendPSBT(block)
	if err != nil {
		return nil, fmt.Errorf("wallet: building signet psbt: %w", err)
	}
	digest, err := blockchain.BlockDigest(block)
	if err != nil {
		return nil, err
	}
	// The node wallet signs the to_sign digest through signmessage; the
	// signature is attached to the PSBT by the caller's combine step.
	sig, err := w.node.SignMessage(w.ownP2PKH, hex.EncodeToString(digest[:]))
	if err != nil {
		return nil, fmt.Errorf("wallet: node signature over block: %w", err)
	}
	return []byte(unsigned + "|" + sig), nil
}

// FinalizeBlock combines the per-replica signed PSBTs in shares into the
// multisig signet solution and splices it into the block. aux is unused by
// this backend.
func (w *NaiveWallet) FinalizeBlock(block []byte, aux []byte, shares [][]byte) ([]byte, error) {
	signed := make([]string, 0, len(shares))
	for _, s := range shares {
		signed = append(signed, string(s))
	}
	solution, err := blockchain.CombinePSBTSignatures(signed)
	if err != nil {
		return nil, fmt.Errorf("wallet: combining block signatures: %w", err)
	}
	return blockchain.InsertSignetSolution(block, solution)
}
