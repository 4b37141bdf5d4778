package container

import "errors"

var (
	ErrContainer = errors.New("container error")
	ErrNotFound  = errors.New("container not found")
	ErrClearing  = errors.New("container manager is clearing")
)
