package queue

import "errors"

var (
	ErrInvalidMutation = errors.New("invalid mutation message")
)
