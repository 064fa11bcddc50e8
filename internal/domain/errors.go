package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrMissingCredentials = errors.New("missing provider credentials")
	ErrProviderFailure    = errors.New("provider failure")
	ErrPollTimeout        = errors.New("generation did not complete in time")
	ErrPersistence        = errors.New("persistence write failed")
)
