// Package message implements the typed inter-replica message model:
// digests computed over stable wire content, a JSON envelope, and the
// closed tagged-union of the eight FBFT/ROAST payload kinds.
package message

import (
	"crypto/sha256"
	"fmt"
)

// Role identifies who originated a message.
type Role string

const (
	RoleReplica Role = "REPLICA"
	RoleClient  Role = "CLIENT"
)

// Type names the closed set of payload kinds.
type Type string

const (
	TypeBlock               Type = "BLOCK"
	TypePrePrepare          Type = "PRE_PREPARE"
	TypePrepare             Type = "PREPARE"
	TypeCommit              Type = "COMMIT"
	TypeViewChange           Type = "VIEW_CHANGE"
	TypeNewView              Type = "NEW_VIEW"
	TypeRoastPreSignature    Type = "ROAST_PRE_SIGNATURE"
	TypeRoastSignatureShare  Type = "ROAST_SIGNATURE_SHARE"
)

// Digest is a 32-byte content digest, computed over a payload's typed
// fields and the sender id but never the signature.
type Digest [32]byte

func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// Payload is the capability set every message body implements: its own
// type tag and a digest over its stable content. Implementations are
// listed exhaustively in payloads.go; the set is closed by convention,
// not by a sealed interface, since Go has no sum types.
type Payload interface {
	Type() Type
	Digest(senderID uint32) Digest
}

// Message is one inter-replica wire message: a typed payload, the sender
// who produced it, and (for every type except BLOCK) a signature over
// Payload.Digest(SenderID).
type Message struct {
	SenderRole Role
	SenderID   uint32
	Payload    Payload
	Signature  []byte
}

// Digest returns the message's content digest, delegating to its payload.
func (m *Message) Digest() Digest {
	return m.Payload.Digest(m.SenderID)
}

// SignaturePayload returns the exact bytes a wallet signs and verifies
// against: the digest bytes alone. Kept as a named accessor (rather than
// inlining digest[:] at call sites) so every signing/verification call
// site in internal/wallet agrees on what "the message digest" means.
func (m *Message) SignaturePayload() []byte {
	d := m.Digest()
	return d[:]
}

func tagged(tag Type, fields ...[]byte) Digest {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, f := range fields {
		h.Write(f)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

func u32be(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func u64be(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}
