package protocol

import (
	"encoding/json"
	"fmt"
)

// Names a request or response.
type Command string

// Requests.
const (
	CmdImages         Command = "images"          // Lists the available image tags.
	CmdImageAvailable Command = "image-available" // Reports whether an image is available.
	CmdImageFetch     Command = "image-fetch"     // Fetches an image.
	CmdRoleStart      Command = "role-start"      // Starts a role from an image.
	CmdRoleList       Command = "role-list"       // Lists the roles.
	CmdRoleStop       Command = "role-stop"       // Stops a role.
	CmdRoleDestroy    Command = "role-destroy"    // Removes a role.
	CmdState          Command = "state"           // Reports the engine's images and containers.
	CmdStatus         Command = "status"          // Reports daemon status.
	CmdShutdown       Command = "shutdown"        // Stops the daemon.
)

// Responses.
const (
	CmdOK    Command = "ok"    // The request succeeded.
	CmdError Command = "error" // The request failed.
)

// Wire format of every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encodes a message. A nil payload is omitted.
//
// The result holds no newline; callers delimit messages themselves.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMessage, cmd, err)
		}
		env.Payload = raw
	}

	return json.Marshal(env)
}

// Decodes a message, returning the envelope and its undecoded payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: no command", ErrInvalidMessage)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into its typed form.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, ErrMissingPayload
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return &v, nil
}
