package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// Keyring holds one replica's long-lived identity keypair plus every
// cluster member's public identity key, loaded once at startup (the own
// key via the chain node's dumpprivkey, the peers' keys from the replica
// set in miner.conf.json). It implements the message signing half of the
// Wallet capability; the two concrete wallets embed it and add their
// block-signature behaviour on top.
type Keyring struct {
	ownID   uint32
	ownKey  *btcec.PrivateKey
	pubKeys map[uint32]*btcec.PublicKey
}

// NewKeyring builds a Keyring for replica ownID.
func NewKeyring(ownID uint32, ownKey *btcec.PrivateKey, pubKeys map[uint32]*btcec.PublicKey) (*Keyring, error) {
	pub, ok := pubKeys[ownID]
	if !ok {
		return nil, fmt.Errorf("wallet: replica set carries no public key for own id %d", ownID)
	}
	if !pub.IsEqual(ownKey.PubKey()) {
		return nil, fmt.Errorf("wallet: own private key does not match replica %d's configured public key", ownID)
	}
	return &Keyring{ownID: ownID, ownKey: ownKey, pubKeys: pubKeys}, nil
}

// AppendSignature signs msg's digest with this replica's identity key,
// DER-encoded ECDSA over secp256k1.
func (k *Keyring) AppendSignature(msg *message.Message) error {
	if msg.Payload.Type() == message.TypeBlock {
		return nil // BLOCK notifications are never signed
	}
	var digest [32]byte
	copy(digest[:], msg.SignaturePayload())
	msg.Signature = btcecdsa.Sign(k.ownKey, digest[:]).Serialize()
	return nil
}

// VerifySignature checks msg's signature against the identity key of its
// declared sender.
func (k *Keyring) VerifySignature(msg *message.Message) bool {
	if msg.Payload.Type() == message.TypeBlock {
		return true
	}
	pub, ok := k.pubKeys[msg.SenderID]
	if !ok {
		return false
	}
	sig, err := btcecdsa.ParseDERSignature(msg.Signature)
	if err != nil {
		return false
	}
	return sig.Verify(msg.SignaturePayload(), pub)
}
