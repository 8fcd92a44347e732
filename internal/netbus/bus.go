// Package netbus carries the replica's two network attachments: the
// pub/sub fan-out the replicas gossip FBFT messages over, and the chain
// node's new-block notification feed. Both ride ZMQ; the fan-out has each
// replica publishing on its own group ("replica<id>") and subscribed to
// every peer's group, with an optional sniffer endpoint receiving a copy
// of every outbound frame.
package netbus

import (
	"time"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// Bus is the broadcast primitive the replica driver runs on. Broadcast
// delivers a single message to every subscribed peer; Receive blocks for
// at most timeout waiting for one inbound message.
type Bus interface {
	Broadcast(m *message.Message) error
	Receive(timeout time.Duration) (*message.Message, bool, error)
	Close() error
}

// BlockSource is the chain node's new-block feed.
type BlockSource interface {
	// NextBlock blocks for at most timeout waiting for a new-block
	// notification.
	NextBlock(timeout time.Duration) (message.Block, bool, error)
	Close() error
}
