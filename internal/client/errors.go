package client

import "errors"

var (
	ErrClient     = errors.New("client error")
	ErrRemote     = errors.New("daemon error")
	ErrNotRunning = errors.New("daemon not running")
	ErrUnexpected = errors.New("unexpected response")
)
