package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// The chain node doubles as the replica's key custodian: the replica's
// own signing key is fetched via dumpprivkey once at startup, and the
// naive wallet signs message digests through signmessage. These wrappers
// keep the per-client lock discipline of the other RPC calls.

// SignMessage asks the node's wallet to sign msg with the key behind the
// given P2PKH address.
func (c *Chain) SignMessage(p2pkh string, msg string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, err := btcutil.DecodeAddress(p2pkh, &chaincfg.SigNetParams)
	if err != nil {
		return "", fmt.Errorf("blockchain: decoding address %q: %w", p2pkh, err)
	}
	sig, err := c.client.SignMessage(addr, msg)
	if err != nil {
		return "", fmt.Errorf("%w: signmessage: %v", ErrRPC, err)
	}
	return sig, nil
}

// VerifyMessage asks the node to verify a signmessage-produced signature.
func (c *Chain) VerifyMessage(p2pkh string, signature string, msg string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, err := btcutil.DecodeAddress(p2pkh, &chaincfg.SigNetParams)
	if err != nil {
		return false, fmt.Errorf("blockchain: decoding address %q: %w", p2pkh, err)
	}
	ok, err := c.client.VerifyMessage(addr, signature, msg)
	if err != nil {
		return false, fmt.Errorf("%w: verifymessage: %v", ErrRPC, err)
	}
	return ok, nil
}

// DumpPrivKey fetches the replica's own signing key from the node wallet,
// called exactly once at startup per the keypair lifecycle rules.
func (c *Chain) DumpPrivKey(p2pkh string) (*btcec.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, err := btcutil.DecodeAddress(p2pkh, &chaincfg.SigNetParams)
	if err != nil {
		return nil, fmt.Errorf("blockchain: decoding address %q: %w", p2pkh, err)
	}
	wif, err := c.client.DumpPrivKey(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dumpprivkey: %v", ErrRPC, err)
	}
	return wif.PrivKey, nil
}
