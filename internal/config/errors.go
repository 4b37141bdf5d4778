package config

import "errors"

var (
	ErrConfig         = errors.New("configuration error")
	ErrUnknownBackend = errors.New("unknown backend")
)
