package role

import "errors"

var (
	ErrRunner       = errors.New("role runner error")
	ErrClosed       = errors.New("role runner closed")
	ErrRoleNotFound = errors.New("role not found")
	ErrNoSnapshot   = errors.New("backend does not report engine state")
)
