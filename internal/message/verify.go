package message

import (
	"errors"
	"reflect"
)

// ErrEmbeddedViewChangeInvalid is returned by NewView.VerifyEmbedded when
// one of the bundled VIEW_CHANGE messages fails the caller-supplied
// verifier.
var ErrEmbeddedViewChangeInvalid = errors.New("message: an embedded VIEW_CHANGE failed verification")

// VerifyFunc checks one message's signature against its declared sender's
// identity key. internal/wallet supplies the concrete implementation; this
// package only needs the shape so it can recurse into NEW_VIEW's embedded
// VIEW_CHANGE set without importing the wallet or crypto packages.
type VerifyFunc func(msg *Message) bool

// VerifyEmbedded checks every VIEW_CHANGE message bundled into n.Nu: a
// NEW_VIEW is only as trustworthy as the view-change quorum it claims to
// carry, so each embedded message must verify on its own.
func (n NewView) VerifyEmbedded(verify VerifyFunc) error {
	for _, vc := range n.Nu {
		if vc.Payload.Type() != TypeViewChange {
			return ErrEmbeddedViewChangeInvalid
		}
		if !verify(vc) {
			return ErrEmbeddedViewChangeInvalid
		}
	}
	return nil
}

// Equal reports whether two messages agree on every typed field,
// signatures included.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.SenderRole != other.SenderRole || m.SenderID != other.SenderID {
		return false
	}
	if !reflect.DeepEqual(m.Signature, other.Signature) {
		return false
	}
	return reflect.DeepEqual(m.Payload, other.Payload)
}
