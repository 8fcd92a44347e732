package replica

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/itcoin-fbft/fbft/internal/curve"
	"github.com/itcoin-fbft/fbft/internal/frost"
	"github.com/itcoin-fbft/fbft/internal/message"
)

// fakeChain simulates the chain node for a whole cluster: block
// generation is deterministic in the requested timestamp, and the first
// valid submission at each height wins, after which every replica's block
// feed is notified, mirroring how the real node's ZMQ publication fans
// out.
type fakeChain struct {
	mu         sync.Mutex
	height     uint64
	accepted   map[uint64][]byte
	duplicates int
	notify     func(message.Block)
}

func newFakeChain(notify func(message.Block)) *fakeChain {
	return &fakeChain{accepted: make(map[uint64][]byte), notify: notify}
}

func (c *fakeChain) GenerateBlock(timestamp uint32) ([]byte, error) {
	block := make([]byte, 84)
	binary.BigEndian.PutUint32(block[:4], timestamp)
	return block, nil
}

func (c *fakeChain) TestBlockValidity(height uint64, block []byte, checkSignet bool) bool {
	return len(block) >= 4
}

func (c *fakeChain) BlockDigest(block []byte) ([32]byte, error) {
	if len(block) < 4 {
		return [32]byte{}, fmt.Errorf("short block")
	}
	return sha256.Sum256(block[:4]), nil
}

func (c *fakeChain) BlockTime(block []byte) (uint32, error) {
	if len(block) < 4 {
		return 0, fmt.Errorf("short block")
	}
	return binary.BigEndian.Uint32(block[:4]), nil
}

func (c *fakeChain) SubmitBlock(height uint64, block []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accepted[height]; ok {
		c.duplicates++ // tolerated, as the node's "duplicate" response is
		return nil
	}
	if height != c.height+1 {
		return nil // "inconclusive": out-of-order submission, tolerated
	}
	c.accepted[height] = block
	c.height = height

	digest, _ := c.BlockDigest(block)
	t, _ := c.BlockTime(block)
	c.notify(message.Block{Height: height, Time: t, Hash: digest})
	return nil
}

func (c *fakeChain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// testWallet stamps message signatures the way the engine tests do and,
// at finalization time, insists the aggregate signature really verifies
// under the group key over the block digest, the same check the real
// threshold wallet performs before splicing the signet solution in.
type testWallet struct {
	groupPublicKey *curve.Point
	chain          *fakeChain
}

func (w *testWallet) AppendSignature(m *message.Message) error {
	d := m.Digest()
	m.Signature = append([]byte{0x5a}, d[:]...)
	return nil
}

func (w *testWallet) VerifySignature(m *message.Message) bool {
	if m.Payload.Type() == message.TypeBlock {
		return true
	}
	d := m.Digest()
	return len(m.Signature) == 33 && m.Signature[0] == 0x5a && [32]byte(m.Signature[1:]) == [32]byte(d)
}

func (w *testWallet) FinalizeBlock(block []byte, aux []byte, shares [][]byte) ([]byte, error) {
	if len(aux) != 64 {
		return nil, fmt.Errorf("aggregate signature is %d bytes, want 64", len(aux))
	}
	r, err := curve.ParseXOnlyEven(aux[:32])
	if err != nil {
		return nil, err
	}
	var zb [32]byte
	copy(zb[:], aux[32:])
	sig := &frost.Signature{R: r, Z: curve.ScalarFromBytes32(zb)}

	digest, err := w.chain.BlockDigest(block)
	if err != nil {
		return nil, err
	}
	if err := frost.Verify(sig, w.groupPublicKey, digest[:]); err != nil {
		return nil, err
	}
	return append(append([]byte(nil), block...), aux...), nil
}
