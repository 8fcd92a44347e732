package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// wireEnvelope is the JSON shape every message rides the bus in:
// {payload: {type, sender_id, <typed fields>}, signature}.
type wireEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

type wirePayloadHeader struct {
	Type     Type   `json:"type"`
	SenderID uint32 `json:"sender_id"`
}

// MarshalJSON encodes a Message as the wire envelope: a single JSON object
// carrying the payload (tagged by "type" and "sender_id") and a hex
// signature.
func (m *Message) MarshalJSON() ([]byte, error) {
	body, err := marshalPayload(m.Payload, m.SenderID, m.SenderRole)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Payload:   body,
		Signature: hex.EncodeToString(m.Signature),
	})
}

// UnmarshalJSON decodes a wire envelope, dispatching on the payload's
// "type" field to the matching concrete Payload implementation.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("message: decoding envelope: %w", err)
	}

	var hdr wirePayloadHeader
	if err := json.Unmarshal(env.Payload, &hdr); err != nil {
		return fmt.Errorf("message: decoding payload header: %w", err)
	}

	payload, role, err := unmarshalPayload(hdr.Type, env.Payload)
	if err != nil {
		return err
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("message: decoding signature: %w", err)
	}

	m.SenderRole = role
	m.SenderID = hdr.SenderID
	m.Payload = payload
	m.Signature = sig
	return nil
}

// wireBlock etc. mirror each Payload type with JSON-friendly field names
// and a "type"/"sender_id" discriminator, since the Payload types
// themselves use fixed-size byte arrays and internal Digest values not
// meant as public wire types.
type wireBlock struct {
	Type     Type   `json:"type"`
	SenderID uint32 `json:"sender_id"`
	Height   uint64 `json:"height"`
	Time     uint32 `json:"time"`
	Hash     string `json:"hash"`
}

type wirePrePrepare struct {
	Type          Type   `json:"type"`
	SenderID      uint32 `json:"sender_id"`
	View          uint64 `json:"v"`
	Seq           uint64 `json:"n"`
	ReqDigest     string `json:"req_digest"`
	ProposedBlock string `json:"proposed_block"`
}

type wirePrepare struct {
	Type      Type   `json:"type"`
	SenderID  uint32 `json:"sender_id"`
	View      uint64 `json:"v"`
	Seq       uint64 `json:"n"`
	ReqDigest string `json:"req_digest"`
}

type wireCommit struct {
	Type         Type   `json:"type"`
	SenderID     uint32 `json:"sender_id"`
	View         uint64 `json:"v"`
	Seq          uint64 `json:"n"`
	PreSignature string `json:"pre_signature"`
}

type wirePreparedEntry struct {
	Seq    uint64 `json:"n"`
	Digest string `json:"d"`
	View   uint64 `json:"v"`
}

type wirePrePreparedEntry struct {
	Seq    uint64 `json:"n"`
	Digest string `json:"d"`
	Block  string `json:"block"`
	View   uint64 `json:"v"`
}

type wireViewChange struct {
	Type       Type                   `json:"type"`
	SenderID   uint32                 `json:"sender_id"`
	View       uint64                 `json:"v"`
	Hi         uint64                 `json:"hi"`
	Checkpoint string                 `json:"checkpoint"`
	P          []wirePreparedEntry    `json:"P"`
	Q          []wirePrePreparedEntry `json:"Q"`
}

type wireNewView struct {
	Type     Type       `json:"type"`
	SenderID uint32     `json:"sender_id"`
	View     uint64     `json:"v"`
	Nu       []*Message `json:"Nu"`
	Chi      []*Message `json:"Chi"`
}

type wireRoastPreSignature struct {
	Type         Type     `json:"type"`
	SenderID     uint32   `json:"sender_id"`
	Signers      []uint32 `json:"signers"`
	PreSignature string   `json:"pre_signature"`
}

type wireRoastSignatureShare struct {
	Type         Type   `json:"type"`
	SenderID     uint32 `json:"sender_id"`
	SigShare     string `json:"sig_share"`
	NextPreShare string `json:"next_pre_share"`
}

func marshalPayload(p Payload, senderID uint32, role Role) (json.RawMessage, error) {
	switch v := p.(type) {
	case Block:
		return json.Marshal(wireBlock{TypeBlock, senderID, v.Height, v.Time, hex.EncodeToString(v.Hash[:])})
	case PrePrepare:
		return json.Marshal(wirePrePrepare{TypePrePrepare, senderID, v.View, v.Seq, hex.EncodeToString(v.ReqDigest[:]), hex.EncodeToString(v.ProposedBlock)})
	case Prepare:
		return json.Marshal(wirePrepare{TypePrepare, senderID, v.View, v.Seq, hex.EncodeToString(v.ReqDigest[:])})
	case Commit:
		return json.Marshal(wireCommit{TypeCommit, senderID, v.View, v.Seq, hex.EncodeToString(v.PreSignature)})
	case ViewChange:
		wp := make([]wirePreparedEntry, len(v.P))
		for i, e := range v.P {
			wp[i] = wirePreparedEntry{e.Seq, hex.EncodeToString(e.Digest[:]), e.View}
		}
		wq := make([]wirePrePreparedEntry, len(v.Q))
		for i, e := range v.Q {
			wq[i] = wirePrePreparedEntry{e.Seq, hex.EncodeToString(e.Digest[:]), hex.EncodeToString(e.Block), e.View}
		}
		return json.Marshal(wireViewChange{TypeViewChange, senderID, v.View, v.Hi, hex.EncodeToString(v.Checkpoint[:]), wp, wq})
	case NewView:
		return json.Marshal(wireNewView{TypeNewView, senderID, v.View, v.Nu, v.Chi})
	case RoastPreSignature:
		return json.Marshal(wireRoastPreSignature{TypeRoastPreSignature, senderID, v.Signers, hex.EncodeToString(v.PreSignature)})
	case RoastSignatureShare:
		return json.Marshal(wireRoastSignatureShare{TypeRoastSignatureShare, senderID, hex.EncodeToString(v.SigShare), hex.EncodeToString(v.NextPreShare)})
	default:
		return nil, fmt.Errorf("message: unknown payload type %T", p)
	}
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("message: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func unmarshalPayload(t Type, raw json.RawMessage) (Payload, Role, error) {
	switch t {
	case TypeBlock:
		var w wireBlock
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		hash, err := decodeHex32(w.Hash)
		if err != nil {
			return nil, "", err
		}
		return Block{Height: w.Height, Time: w.Time, Hash: hash}, RoleReplica, nil

	case TypePrePrepare:
		var w wirePrePrepare
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		reqDigest, err := decodeHex32(w.ReqDigest)
		if err != nil {
			return nil, "", err
		}
		block, err := hex.DecodeString(w.ProposedBlock)
		if err != nil {
			return nil, "", err
		}
		return PrePrepare{View: w.View, Seq: w.Seq, ReqDigest: Digest(reqDigest), ProposedBlock: block}, RoleReplica, nil

	case TypePrepare:
		var w wirePrepare
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		reqDigest, err := decodeHex32(w.ReqDigest)
		if err != nil {
			return nil, "", err
		}
		return Prepare{View: w.View, Seq: w.Seq, ReqDigest: Digest(reqDigest)}, RoleReplica, nil

	case TypeCommit:
		var w wireCommit
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		preSig, err := hex.DecodeString(w.PreSignature)
		if err != nil {
			return nil, "", err
		}
		return Commit{View: w.View, Seq: w.Seq, PreSignature: preSig}, RoleReplica, nil

	case TypeViewChange:
		var w wireViewChange
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		checkpoint, err := decodeHex32(w.Checkpoint)
		if err != nil {
			return nil, "", err
		}
		p := make([]PreparedEntry, len(w.P))
		for i, e := range w.P {
			d, err := decodeHex32(e.Digest)
			if err != nil {
				return nil, "", err
			}
			p[i] = PreparedEntry{Seq: e.Seq, Digest: Digest(d), View: e.View}
		}
		q := make([]PrePreparedEntry, len(w.Q))
		for i, e := range w.Q {
			d, err := decodeHex32(e.Digest)
			if err != nil {
				return nil, "", err
			}
			block, err := hex.DecodeString(e.Block)
			if err != nil {
				return nil, "", err
			}
			q[i] = PrePreparedEntry{Seq: e.Seq, Digest: Digest(d), Block: block, View: e.View}
		}
		return ViewChange{View: w.View, Hi: w.Hi, Checkpoint: Digest(checkpoint), P: p, Q: q}, RoleReplica, nil

	case TypeNewView:
		var w wireNewView
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		return NewView{View: w.View, Nu: w.Nu, Chi: w.Chi}, RoleReplica, nil

	case TypeRoastPreSignature:
		var w wireRoastPreSignature
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		preSig, err := hex.DecodeString(w.PreSignature)
		if err != nil {
			return nil, "", err
		}
		return RoastPreSignature{Signers: w.Signers, PreSignature: preSig}, RoleReplica, nil

	case TypeRoastSignatureShare:
		var w wireRoastSignatureShare
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, "", err
		}
		sigShare, err := hex.DecodeString(w.SigShare)
		if err != nil {
			return nil, "", err
		}
		nextShare, err := hex.DecodeString(w.NextPreShare)
		if err != nil {
			return nil, "", err
		}
		return RoastSignatureShare{SigShare: sigShare, NextPreShare: nextShare}, RoleReplica, nil

	default:
		return nil, "", fmt.Errorf("message: unknown wire type %q", t)
	}
}
