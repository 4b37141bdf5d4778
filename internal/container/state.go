package container

import "fmt"

// Lifecycle state of a container.
type State int

const (
	Pending State = iota
	Created
	Starting
	Running
	Stopping
	Stopped
	Destroying
	Destroyed
)

var stateNames = [...]string{
	Pending:    "pending",
	Created:    "created",
	Starting:   "starting",
	Running:    "running",
	Stopping:   "stopping",
	Stopped:    "stopped",
	Destroying: "destroying",
	Destroyed:  "destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decodes a state name produced by [State.MarshalText].
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", ErrContainer, text)
}

// Returns true for states in which queued actions can be applied.
func (s State) settled() bool {
	return s == Created || s == Running || s == Stopped
}

// Requested lifecycle action.
type action int

const (
	actionStart action = iota
	actionStop
	actionDestroy
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionStop:
		return "stop"
	case actionDestroy:
		return "destroy"
	}
	return "unknown"
}
