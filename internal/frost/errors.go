package frost

import "errors"

// Sentinel errors for the FROST signer and coordinator, matched with
// errors.Is at call sites per the ambient error-handling convention.
var (
	ErrNonceReused           = errors.New("frost: nonce already spent")
	ErrInvalidPublicKey      = errors.New("frost: public key is not a valid curve point")
	ErrSignatureInvalid      = errors.New("frost: signature verification failed")
	ErrCommitmentsNotSorted  = errors.New("frost: commitment list is not sorted by signer index")
	ErrCommitmentsEmpty      = errors.New("frost: commitment list is empty")
	ErrSelfCommitmentMissing = errors.New("frost: signer's own commitment is missing from the list")
	ErrCommitmentOffCurve    = errors.New("frost: a nonce commitment is not a valid curve point")
	ErrDuplicateSigner       = errors.New("frost: duplicate signer index in commitment list")
	ErrShareInvalid          = errors.New("frost: signature share failed verification")
	ErrUnknownSigner         = errors.New("frost: signature share references an unknown signer index")

	// The two aggregation failure kinds, distinct from the generic
	// per-share ErrShareInvalid: the former when the response set does
	// not match the commitment set one-to-one, the latter when every
	// index lines up but a specific share is bad.
	ErrMismatchedCommitmentsAndResponses = errors.New("frost: response set does not match commitment set")
	ErrInvalidSignerResponse             = errors.New("frost: a signer's response failed verification")
)
