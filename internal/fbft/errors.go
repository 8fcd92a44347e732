package fbft

import "errors"

// Sentinel errors matched with errors.Is at call sites. The RPC and
// blockchain-level kinds live in internal/blockchain; these are the ones
// the state machine itself raises.
var (
	ErrSignatureInvalid  = errors.New("fbft: message signature failed verification")
	ErrBlockInvalid      = errors.New("fbft: proposed block failed validity check")
	ErrRequestMissing    = errors.New("fbft: pre-prepare references an unknown request")
	ErrWrongPayloadType  = errors.New("fbft: message payload is not the expected type")
	ErrViewChangeTimeout = errors.New("fbft: view-change timer expired with no progress")
	ErrViewNotMonotone   = errors.New("fbft: new view is not greater than the current view")
	ErrNewViewInvalid    = errors.New("fbft: new-view bundle failed verification")
)
