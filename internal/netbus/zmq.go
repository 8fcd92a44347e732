package netbus

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/itcoin-fbft/fbft/internal/config"
	"github.com/itcoin-fbft/fbft/internal/message"
)

// replicaGroup is the pub/sub topic a replica publishes on.
func replicaGroup(id uint32) string {
	return fmt.Sprintf("replica%d", id)
}

// ZMQBus is the production Bus: one PUB socket bound on this replica's
// configured endpoint, one SUB socket connected to every peer, and an
// optional PUSH socket mirroring outbound traffic to a sniffer dish.
type ZMQBus struct {
	ownGroup string
	pub      *zmq.Socket
	sub      *zmq.Socket
	sniffer  *zmq.Socket
	poller   *zmq.Poller
	log      zerolog.Logger
}

// NewZMQBus binds the publishing socket and connects to every peer in the
// replica set.
func NewZMQBus(miner *config.Miner, log zerolog.Logger) (*ZMQBus, error) {
	bus := &ZMQBus{
		ownGroup: replicaGroup(miner.ID),
		log:      log.With().Str("component", "netbus").Logger(),
	}

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("netbus: creating pub socket: %w", err)
	}
	self := miner.Self()
	if err := pub.Bind(fmt.Sprintf("tcp://%s:%d", self.Host, self.Port)); err != nil {
		pub.Close()
		return nil, fmt.Errorf("netbus: binding pub socket: %w", err)
	}
	bus.pub = pub

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("netbus: creating sub socket: %w", err)
	}
	for _, peer := range miner.ReplicaSet {
		if peer.ID == miner.ID {
			continue
		}
		if err := sub.Connect(fmt.Sprintf("tcp://%s:%d", peer.Host, peer.Port)); err != nil {
			bus.Close()
			return nil, fmt.Errorf("netbus: connecting to replica %d: %w", peer.ID, err)
		}
		if err := sub.SetSubscribe(replicaGroup(peer.ID)); err != nil {
			bus.Close()
			return nil, fmt.Errorf("netbus: subscribing to replica %d: %w", peer.ID, err)
		}
	}
	bus.sub = sub

	if miner.SnifferDishConnectionString != "" {
		sniffer, err := zmq.NewSocket(zmq.PUSH)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("netbus: creating sniffer socket: %w", err)
		}
		if err := sniffer.Connect(miner.SnifferDishConnectionString); err != nil {
			bus.Close()
			return nil, fmt.Errorf("netbus: connecting sniffer: %w", err)
		}
		bus.sniffer = sniffer
	}

	bus.poller = zmq.NewPoller()
	bus.poller.Add(sub, zmq.POLLIN)
	return bus, nil
}

// Broadcast publishes one message on this replica's group, mirroring the
// frame to the sniffer if one is attached.
func (b *ZMQBus) Broadcast(m *message.Message) error {
	frame, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("netbus: encoding message: %w", err)
	}
	if _, err := b.pub.SendMessage(b.ownGroup, frame); err != nil {
		return fmt.Errorf("netbus: publishing: %w", err)
	}
	if b.sniffer != nil {
		if _, err := b.sniffer.SendMessage(b.ownGroup, frame); err != nil {
			b.log.Warn().Err(err).Msg("sniffer send failed")
		}
	}
	return nil
}

// Receive waits up to timeout for one inbound message from any peer.
func (b *ZMQBus) Receive(timeout time.Duration) (*message.Message, bool, error) {
	sockets, err := b.poller.Poll(timeout)
	if err != nil {
		return nil, false, fmt.Errorf("netbus: polling: %w", err)
	}
	if len(sockets) == 0 {
		return nil, false, nil
	}
	frames, err := b.sub.RecvMessageBytes(0)
	if err != nil {
		return nil, false, fmt.Errorf("netbus: receiving: %w", err)
	}
	if len(frames) != 2 {
		return nil, false, fmt.Errorf("netbus: expected 2 frames, got %d", len(frames))
	}
	var m message.Message
	if err := json.Unmarshal(frames[1], &m); err != nil {
		return nil, false, fmt.Errorf("netbus: decoding message: %w", err)
	}
	return &m, true, nil
}

// Close tears down all sockets.
func (b *ZMQBus) Close() error {
	var firstErr error
	for _, s := range []*zmq.Socket{b.pub, b.sub, b.sniffer} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
