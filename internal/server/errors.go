package server

import "errors"

var (
	ErrServer   = errors.New("server error")
	ErrNoRunner = errors.New("no runner configured")
)
