package config

import (
	"fmt"
	"path"
	"strings"
)

// Volume bind in "source:destination[:ro|rw]" form.
type Bind struct {
	Source      string // Named volume or absolute host path.
	Destination string // Absolute path inside the container.
	ReadOnly    bool
}

// Parses a bind specification.
func ParseBind(s string) (Bind, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Bind{}, fmt.Errorf("%w: bind %q: want source:destination[:mode]", ErrConfig, s)
	}

	b := Bind{Source: parts[0], Destination: parts[1]}
	if b.Source == "" || b.Destination == "" {
		return Bind{}, fmt.Errorf("%w: bind %q: empty source or destination", ErrConfig, s)
	}
	if !path.IsAbs(b.Destination) {
		return Bind{}, fmt.Errorf("%w: bind %q: destination must be absolute", ErrConfig, s)
	}

	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			b.ReadOnly = true
		case "rw":
		default:
			return Bind{}, fmt.Errorf("%w: bind %q: unknown mode %q", ErrConfig, s, parts[2])
		}
	}
	return b, nil
}

// Returns true if the source is a host path rather than a named volume.
func (b Bind) IsHostPath() bool {
	return path.IsAbs(b.Source)
}
