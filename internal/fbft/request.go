package fbft

import (
	"crypto/sha256"
	"fmt"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// Request is a locally synthesized block-production slot, with height
// derived from the timestamp rather than stored. Requests are never
// signed; they exist purely to give every replica the same ordered
// sequence of "it is now time to propose a block" events.
type Request struct {
	GenesisTimestamp uint32
	TargetBlockTime  float64
	Timestamp        uint32
}

// Height returns the request's derived sequence number.
func (r Request) Height() uint64 {
	if r.TargetBlockTime <= 0 {
		return 0
	}
	return uint64(float64(r.Timestamp-r.GenesisTimestamp) / r.TargetBlockTime)
}

// Text returns the request's textual form "(H=<height>, T=<timestamp>)",
// used for log lines and as the stable content its digest is computed
// over.
func (r Request) Text() string {
	return fmt.Sprintf("(H=%d, T=%d)", r.Height(), r.Timestamp)
}

// Digest returns the 32-byte digest of the request's textual form, for
// use as a map key and inside PrePrepare.ReqDigest.
func (r Request) Digest() message.Digest {
	return message.Digest(sha256.Sum256([]byte(r.Text())))
}
