package image

import "errors"

var (
	ErrInvalidReference = errors.New("invalid image reference")
	ErrNotFound         = errors.New("image not found")
	ErrNoRemover        = errors.New("image has no remover")
)
