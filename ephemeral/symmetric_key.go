package ephemeral

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PrivateKey and PublicKey are ephemeral secp256k1 keys used solely for
// deriving symmetric encryption keys; they are unrelated to the replica's
// identity or FROST keys.
type PrivateKey btcec.PrivateKey

// PublicKey is the public half of an ephemeral keypair.
type PublicKey btcec.PublicKey

// KeyPair bundles an ephemeral private key with its public counterpart.
type KeyPair struct {
	PrivateKey *PrivateKey
	PublicKey  *PublicKey
}

// GenerateKeyPair samples a fresh ephemeral keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("ephemeral: generating keypair: %w", err)
	}
	return &KeyPair{
		PrivateKey: (*PrivateKey)(priv),
		PublicKey:  (*PublicKey)(priv.PubKey()),
	}, nil
}

// SymmetricEcdhKey is an ephemeral symmetric key created with Diffie-
// Hellman key exchange, usable for encryption and decryption.
type SymmetricEcdhKey struct {
	box *box
}

// Ecdh performs an elliptic-curve Diffie-Hellman operation between this
// private key and the given public key, returning the derived symmetric
// key.
func (pk *PrivateKey) Ecdh(publicKey *PublicKey) *SymmetricEcdhKey {
	shared := btcec.GenerateSharedSecret(
		(*btcec.PrivateKey)(pk),
		(*btcec.PublicKey)(publicKey),
	)

	return &SymmetricEcdhKey{
		box: newBox(sha256.Sum256(shared)),
	}
}

// Encrypt plaintext.
func (sek *SymmetricEcdhKey) Encrypt(plaintext []byte) ([]byte, error) {
	return sek.box.encrypt(plaintext)
}

// Decrypt ciphertext.
func (sek *SymmetricEcdhKey) Decrypt(ciphertext []byte) (plaintext []byte, err error) {
	return sek.box.decrypt(ciphertext)
}
