package message

// Block carries a local chain-node new-block notification. It is never
// signed, so its digest exists only for log deduplication, not signature
// verification.
type Block struct {
	Height uint64
	Time   uint32
	Hash   [32]byte
}

func (b Block) Type() Type { return TypeBlock }

func (b Block) Digest(senderID uint32) Digest {
	return tagged(TypeBlock, u32be(senderID), u64be(b.Height), u32be(b.Time), b.Hash[:])
}

// PrePrepare is the primary's proposal for sequence number Seq in view
// View: the request being ordered and the candidate block for it.
// ProposedBlock holds the raw standard Bitcoin block serialization; the
// block-assembly and parsing logic lives in internal/blockchain, which
// this package does not import, to keep the message model's digest
// computation independent of the wire-format library in use.
type PrePrepare struct {
	View          uint64
	Seq           uint64
	ReqDigest     Digest
	ProposedBlock []byte
}

func (p PrePrepare) Type() Type { return TypePrePrepare }

func (p PrePrepare) Digest(senderID uint32) Digest {
	return tagged(TypePrePrepare, u32be(senderID), u64be(p.View), u64be(p.Seq), p.ReqDigest[:], p.ProposedBlock)
}

// Prepare is a replica's vote that it has accepted the PrePrepare for
// (View, Seq) proposing ReqDigest.
type Prepare struct {
	View      uint64
	Seq       uint64
	ReqDigest Digest
}

func (p Prepare) Type() Type { return TypePrepare }

func (p Prepare) Digest(senderID uint32) Digest {
	return tagged(TypePrepare, u32be(senderID), u64be(p.View), u64be(p.Seq), p.ReqDigest[:])
}

// Commit is a replica's vote that it has a quorum of Prepares for
// (View, Seq), carrying its serialized FROST presignature commitment
// (the Round One D, E pair, compressed) to seed the ROAST session.
type Commit struct {
	View         uint64
	Seq          uint64
	PreSignature []byte
}

func (c Commit) Type() Type { return TypeCommit }

func (c Commit) Digest(senderID uint32) Digest {
	return tagged(TypeCommit, u32be(senderID), u64be(c.View), u64be(c.Seq), c.PreSignature)
}

// PreparedEntry is one element of a VIEW_CHANGE's P set: evidence that the
// sender held a full prepared certificate (PrePrepare plus 2f+1 Prepares)
// for (Seq, Digest) back in View.
type PreparedEntry struct {
	Seq    uint64
	Digest Digest
	View   uint64
}

// PrePreparedEntry is one element of a VIEW_CHANGE's Q set: every
// PrePrepare the sender has seen at or below the view being abandoned,
// for sequences beyond the last checkpoint.
type PrePreparedEntry struct {
	Seq    uint64
	Digest Digest
	Block  []byte
	View   uint64
}

// ViewChange is emitted when a replica's view-change timer expires. Hi is
// the sender's high checkpoint sequence number; Checkpoint is its digest.
type ViewChange struct {
	View       uint64
	Hi         uint64
	Checkpoint Digest
	P          []PreparedEntry
	Q          []PrePreparedEntry
}

func (v ViewChange) Type() Type { return TypeViewChange }

func (v ViewChange) Digest(senderID uint32) Digest {
	fields := [][]byte{u32be(senderID), u64be(v.View), u64be(v.Hi), v.Checkpoint[:]}
	for _, p := range v.P {
		fields = append(fields, u64be(p.Seq), p.Digest[:], u64be(p.View))
	}
	for _, q := range v.Q {
		fields = append(fields, u64be(q.Seq), q.Digest[:], q.Block, u64be(q.View))
	}
	return tagged(TypeViewChange, fields...)
}

// NewView is the incoming primary's view-change bundle: the 2f+1
// VIEW_CHANGE messages it collected (Nu) and the PRE_PREPARE messages it
// re-issues for the new view (Chi), one per sequence number for which Nu
// carries a certificate. Chi holds no null-request PrePrepares and is
// empty when Nu carries no certificate.
type NewView struct {
	View uint64
	Nu   []*Message
	Chi  []*Message
}

func (n NewView) Type() Type { return TypeNewView }

func (n NewView) Digest(senderID uint32) Digest {
	fields := [][]byte{u32be(senderID), u64be(n.View)}
	for _, m := range n.Nu {
		d := m.Digest()
		fields = append(fields, d[:])
	}
	for _, m := range n.Chi {
		d := m.Digest()
		fields = append(fields, d[:])
	}
	return tagged(TypeNewView, fields...)
}

// RoastPreSignature starts or continues a signing session: the subset of
// signer indexes chosen and the combined presignature they are to sign
// against.
type RoastPreSignature struct {
	Signers      []uint32
	PreSignature []byte
}

func (r RoastPreSignature) Type() Type { return TypeRoastPreSignature }

func (r RoastPreSignature) Digest(senderID uint32) Digest {
	fields := [][]byte{u32be(senderID)}
	for _, s := range r.Signers {
		fields = append(fields, u32be(s))
	}
	fields = append(fields, r.PreSignature)
	return tagged(TypeRoastPreSignature, fields...)
}

// RoastSignatureShare is a participating signer's reply to the
// coordinator: its Round Two share for the current session, plus the
// public commitment of the fresh presignature it has rolled forward for
// the next one.
type RoastSignatureShare struct {
	SigShare     []byte
	NextPreShare []byte
}

func (r RoastSignatureShare) Type() Type { return TypeRoastSignatureShare }

func (r RoastSignatureShare) Digest(senderID uint32) Digest {
	return tagged(TypeRoastSignatureShare, u32be(senderID), r.SigShare, r.NextPreShare)
}
