package protocol

import "errors"

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrMissingPayload = errors.New("missing payload")
)
