// Package ephemeral provides symmetric encryption keys derived from an
// elliptic-curve Diffie-Hellman exchange, used to protect the replica's
// fact log at rest when an operator configures a log-encryption peer key.
package ephemeral

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// nonceSize is the size of a NaCl secretbox nonce, prepended to every
// ciphertext.
const nonceSize = 24

// box is a NaCl secretbox sealed under a fixed 32-byte key.
type box struct {
	key [32]byte
}

func newBox(key [32]byte) *box {
	return &box{key: key}
}

// encrypt seals plaintext under a fresh random nonce; the nonce is
// prepended to the returned ciphertext.
func (b *box) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("symmetric key encryption failed: %v", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// decrypt opens a ciphertext produced by encrypt.
func (b *box) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("symmetric key decryption failed")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, fmt.Errorf("symmetric key decryption failed")
	}
	return plaintext, nil
}
