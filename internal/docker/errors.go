package docker

import "errors"

var (
	ErrDocker          = errors.New("docker error")
	ErrInvalidPlatform = errors.New("invalid platform")
)
