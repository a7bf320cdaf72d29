package types

import "errors"

// Validation error types shared across packages.
var (
	ErrInvalidSessionID = errors.New("session ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidUsername  = errors.New("username must be 1-50 characters")
	ErrInvalidBoardPath = errors.New("invalid board path")
)
