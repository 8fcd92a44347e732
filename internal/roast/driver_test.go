package roast

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/itcoin-fbft/fbft/internal/curve"
	"github.com/itcoin-fbft/fbft/internal/frost"
	"github.com/itcoin-fbft/fbft/internal/message"
)

// newTestCluster builds one Driver per replica over a shared Shamir-dealt
// group key, mirroring how cmd/fbftd provisions them from config.
func newTestCluster(t *testing.T, n, quorum int) (*curve.Point, []*Driver) {
	t.Helper()

	groupPublicKey, signers, pubKeyShares := newTestSigners(t, n, quorum)

	drivers := make([]*Driver, n)
	for i := 0; i < n; i++ {
		drivers[i] = NewDriver(uint32(i), quorum, signers[i], pubKeyShares, zerolog.Nop())
	}
	return groupPublicKey, drivers
}

// exchangeCommits has every driver publish its COMMIT presignature for
// seq and records it at every other driver.
func exchangeCommits(t *testing.T, drivers []*Driver, seq uint64) {
	t.Helper()
	for i, d := range drivers {
		presig, err := d.PreSignatureCommitment(seq)
		if err != nil {
			t.Fatalf("PreSignatureCommitment for replica %d: %v", i, err)
		}
		for _, peer := range drivers {
			peer.RecordCommitPresignature(seq, uint32(i), presig)
		}
	}
}

// deliver fans one driver's outbound queue to every driver (itself
// included, as the replica loop's self-injection does), returning how
// many messages moved.
func deliver(t *testing.T, from *Driver, drivers []*Driver, seq uint64, drop map[uint32]bool) int {
	t.Helper()
	msgs := from.Outbound()
	for _, m := range msgs {
		for _, d := range drivers {
			if drop[d.replicaID] {
				continue
			}
			var err error
			switch p := m.Payload.(type) {
			case message.RoastPreSignature:
				err = d.ReceivePreSignature(seq, p)
			case message.RoastSignatureShare:
				err = d.ReceiveSignatureShare(seq, m.SenderID, p)
			}
			if err != nil {
				t.Fatalf("delivering %s to replica %d: %v", m.Payload.Type(), d.replicaID, err)
			}
		}
	}
	return len(msgs)
}

// pump keeps fanning outbound queues until the network is quiet.
func pump(t *testing.T, drivers []*Driver, seq uint64, drop map[uint32]bool) {
	t.Helper()
	for moved := 1; moved > 0; {
		moved = 0
		for _, d := range drivers {
			if drop[d.replicaID] {
				d.Outbound() // dropped replica's traffic goes nowhere
				continue
			}
			moved += deliver(t, d, drivers, seq, drop)
		}
	}
}

func parseSignature(t *testing.T, raw []byte) *frost.Signature {
	t.Helper()
	if len(raw) != 64 {
		t.Fatalf("signature is %d bytes, want 64", len(raw))
	}
	r, err := curve.ParseXOnlyEven(raw[:32])
	if err != nil {
		t.Fatalf("parsing signature R: %v", err)
	}
	var zb [32]byte
	copy(zb[:], raw[32:])
	return &frost.Signature{R: r, Z: curve.ScalarFromBytes32(zb)}
}

func startAll(t *testing.T, drivers []*Driver, seq uint64, digest message.Digest, coordinator uint32) {
	t.Helper()
	for _, d := range drivers {
		if err := d.StartSession(seq, digest, nil, d.replicaID == coordinator); err != nil {
			t.Fatalf("StartSession on replica %d: %v", d.replicaID, err)
		}
	}
}

func TestDriverFinalizesAcrossCluster(t *testing.T) {
	groupPublicKey, drivers := newTestCluster(t, 4, 3)
	const seq = 1
	digest := message.Digest{0x11, 0x22}

	exchangeCommits(t, drivers, seq)
	startAll(t, drivers, seq, digest, 0)
	pump(t, drivers, seq, nil)

	for i, d := range drivers {
		if !d.Finalized(seq) {
			t.Fatalf("replica %d did not observe finalization", i)
		}
	}

	raw, ok := drivers[3].Signature(seq)
	if !ok {
		t.Fatalf("no signature on a non-coordinating replica")
	}
	sig := parseSignature(t, raw)
	if err := frost.Verify(sig, groupPublicKey, digest[:]); err != nil {
		t.Fatalf("aggregate signature failed verification: %v", err)
	}
}

func TestDriverToleratesUnresponsiveMinority(t *testing.T) {
	groupPublicKey, drivers := newTestCluster(t, 4, 3)
	const seq = 1
	digest := message.Digest{0xab}

	exchangeCommits(t, drivers, seq)
	startAll(t, drivers, seq, digest, 0)

	// Replica 1 never sees or answers anything: the first announced
	// subset {0,1,2} stalls with only two shares delivered.
	dead := map[uint32]bool{1: true}
	pump(t, drivers, seq, dead)
	if drivers[0].Finalized(seq) {
		t.Fatalf("session finalized despite a missing share")
	}

	// The coordinator gives up on the quiet subset and opens another
	// from the ready pool: the two responders' rolled-forward
	// presignatures plus replica 3's unused COMMIT presignature.
	drivers[0].StartAdditionalSession(seq)
	pump(t, drivers, seq, dead)

	if !drivers[0].Finalized(seq) {
		t.Fatalf("replacement session did not finalize")
	}
	raw, _ := drivers[0].Signature(seq)
	if err := frost.Verify(parseSignature(t, raw), groupPublicKey, digest[:]); err != nil {
		t.Fatalf("aggregate signature failed verification: %v", err)
	}
}

func TestDriverBlacklistsByzantineSigner(t *testing.T) {
	groupPublicKey, drivers := newTestCluster(t, 4, 3)
	const seq = 1
	digest := message.Digest{0xcd}

	exchangeCommits(t, drivers, seq)
	startAll(t, drivers, seq, digest, 0)

	// Deliver the announcement everywhere, but replace replica 1's
	// honest share with garbage before it reaches the others.
	deliver(t, drivers[0], drivers, seq, nil)
	for _, d := range drivers {
		for _, m := range d.Outbound() {
			p, ok := m.Payload.(message.RoastSignatureShare)
			if !ok {
				continue
			}
			if m.SenderID == 1 {
				p.SigShare[0] ^= 0xff
			}
			for _, peer := range drivers {
				if err := peer.ReceiveSignatureShare(seq, m.SenderID, p); err != nil {
					t.Fatalf("delivering share: %v", err)
				}
			}
		}
	}

	// The bad share got replica 1 blacklisted and a replacement subset
	// announced; pumping the remaining traffic finalizes without it.
	pump(t, drivers, seq, map[uint32]bool{1: true})

	if !drivers[0].Finalized(seq) {
		t.Fatalf("cluster did not recover from a Byzantine share")
	}
	raw, _ := drivers[0].Signature(seq)
	if err := frost.Verify(parseSignature(t, raw), groupPublicKey, digest[:]); err != nil {
		t.Fatalf("aggregate signature failed verification: %v", err)
	}
}
