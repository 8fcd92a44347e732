package roast

import "errors"

var (
	ErrNoStandingPresignature = errors.New("roast: no standing presignature for this session")
	ErrSessionFinalized       = errors.New("roast: session is already finalized")
	ErrSessionFailed          = errors.New("roast: session was retired after a member was blacklisted")
	ErrUnknownSigner          = errors.New("roast: signer is not a member of the session subset")
)
