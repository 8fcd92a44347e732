package message

import (
	"encoding/json"
	"testing"
)

func TestDigestExcludesSignature(t *testing.T) {
	body := Prepare{View: 1, Seq: 2, ReqDigest: Digest{1, 2, 3}}
	m1 := &Message{SenderRole: RoleReplica, SenderID: 0, Payload: body, Signature: []byte{0xAA}}
	m2 := &Message{SenderRole: RoleReplica, SenderID: 0, Payload: body, Signature: []byte{0xBB}}

	if m1.Digest() != m2.Digest() {
		t.Fatalf("digest must not depend on the signature field")
	}
}

func TestJSONRoundTripPrePrepare(t *testing.T) {
	original := &Message{
		SenderRole: RoleReplica,
		SenderID:   2,
		Payload: PrePrepare{
			View:          3,
			Seq:           4,
			ReqDigest:     Digest{9, 9, 9},
			ProposedBlock: []byte{0x01, 0x02, 0x03},
		},
		Signature: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.SenderID != original.SenderID {
		t.Fatalf("sender id mismatch: got %d, want %d", decoded.SenderID, original.SenderID)
	}
	if decoded.Digest() != original.Digest() {
		t.Fatalf("digest mismatch after round trip")
	}
	if !original.Equal(&decoded) {
		t.Fatalf("round-tripped message is not Equal to the original")
	}
}

func TestNewViewVerifyEmbeddedRejectsBadSignature(t *testing.T) {
	vc := &Message{
		SenderRole: RoleReplica,
		SenderID:   1,
		Payload:    ViewChange{View: 1, Hi: 0, Checkpoint: Digest{}},
		Signature:  []byte{0x01},
	}
	nv := NewView{View: 2, Nu: []*Message{vc}}

	err := nv.VerifyEmbedded(func(msg *Message) bool { return false })
	if err == nil {
		t.Fatalf("expected VerifyEmbedded to reject when the verifier rejects")
	}

	err = nv.VerifyEmbedded(func(msg *Message) bool { return true })
	if err != nil {
		t.Fatalf("expected VerifyEmbedded to accept when the verifier accepts: %v", err)
	}
}

func TestEqualDetectsPayloadDifference(t *testing.T) {
	a := &Message{SenderRole: RoleReplica, SenderID: 0, Payload: Prepare{View: 1, Seq: 1}, Signature: nil}
	b := &Message{SenderRole: RoleReplica, SenderID: 0, Payload: Prepare{View: 1, Seq: 2}, Signature: nil}

	if a.Equal(b) {
		t.Fatalf("messages with different sequence numbers must not be Equal")
	}
}
