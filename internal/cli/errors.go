package cli

import "errors"

var errUnavailable = errors.New("image not available")
