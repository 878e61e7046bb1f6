package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrTimedOut               = errors.New("fill timed out")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrInvalidKey             = errors.New("invalid key")
)
