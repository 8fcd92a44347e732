package netbus

import (
	"encoding/binary"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// blockTopic is the chain node's new-block publication topic.
const blockTopic = "itcoinblock"

// blockPayloadLen is hash(32) || height(int32 LE) || time(uint32 LE).
const blockPayloadLen = 40

// DecodeBlockNotification parses the chain node's three-frame new-block
// publication: topic, 40-byte payload, 4-byte little-endian sequence
// number. The payload is the block hash in little-endian byte order
// followed by the height and the block time.
func DecodeBlockNotification(frames [][]byte) (message.Block, error) {
	var b message.Block
	if len(frames) != 3 {
		return b, fmt.Errorf("netbus: block notification has %d frames, want 3", len(frames))
	}
	if string(frames[0]) != blockTopic {
		return b, fmt.Errorf("netbus: unexpected topic %q", frames[0])
	}
	if len(frames[1]) != blockPayloadLen {
		return b, fmt.Errorf("netbus: block payload is %d bytes, want %d", len(frames[1]), blockPayloadLen)
	}
	if len(frames[2]) != 4 {
		return b, fmt.Errorf("netbus: sequence frame is %d bytes, want 4", len(frames[2]))
	}

	copy(b.Hash[:], frames[1][:32])
	height := int32(binary.LittleEndian.Uint32(frames[1][32:36]))
	if height < 0 {
		return b, fmt.Errorf("netbus: negative block height %d", height)
	}
	b.Height = uint64(height)
	b.Time = binary.LittleEndian.Uint32(frames[1][36:40])
	return b, nil
}

// ZMQBlockSource subscribes to the chain node's new-block feed.
type ZMQBlockSource struct {
	sub    *zmq.Socket
	poller *zmq.Poller
	log    zerolog.Logger
}

// NewZMQBlockSource connects to the node's zmqpubitcoinblock endpoint.
func NewZMQBlockSource(endpoint string, log zerolog.Logger) (*ZMQBlockSource, error) {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("netbus: creating block sub socket: %w", err)
	}
	if err := sub.Connect(endpoint); err != nil {
		sub.Close()
		return nil, fmt.Errorf("netbus: connecting block feed %q: %w", endpoint, err)
	}
	if err := sub.SetSubscribe(blockTopic); err != nil {
		sub.Close()
		return nil, fmt.Errorf("netbus: subscribing block feed: %w", err)
	}
	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	return &ZMQBlockSource{
		sub:    sub,
		poller: poller,
		log:    log.With().Str("component", "netbus").Logger(),
	}, nil
}

// NextBlock waits up to timeout for the node's next block notification.
func (s *ZMQBlockSource) NextBlock(timeout time.Duration) (message.Block, bool, error) {
	sockets, err := s.poller.Poll(timeout)
	if err != nil {
		return message.Block{}, false, fmt.Errorf("netbus: polling block feed: %w", err)
	}
	if len(sockets) == 0 {
		return message.Block{}, false, nil
	}
	frames, err := s.sub.RecvMessageBytes(0)
	if err != nil {
		return message.Block{}, false, fmt.Errorf("netbus: receiving block notification: %w", err)
	}
	b, err := DecodeBlockNotification(frames)
	if err != nil {
		return message.Block{}, false, err
	}
	return b, true, nil
}

// Close tears down the subscription.
func (s *ZMQBlockSource) Close() error {
	return s.sub.Close()
}
