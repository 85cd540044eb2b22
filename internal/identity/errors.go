package identity

import "errors"

var (
	ErrNotFound          = errors.New("identity: account not found")
	ErrAlreadyExists     = errors.New("identity: account already exists")
	ErrInvalidCredential = errors.New("identity: invalid credential")
	ErrChallengeFailed   = errors.New("identity: challenge response rejected")
	ErrInvalidToken      = errors.New("identity: invalid token")
	ErrUnavailable       = errors.New("identity: provider unavailable")
)
