// Package docker implements the role backend on top of the Docker Engine.
//
// A [Backend] keeps an inventory of the engine's images and containers. The
// inventory is loaded when the backend starts and is then kept current by
// following the engine's event stream: image pulls, tags, and deletions,
// and container creation, start, exit, and removal. Requests issued through
// the backend (pulls, creates, starts, stops, removals) only ask the engine
// to act; their outcome is delivered to the waiting managers when the
// matching event arrives.
//
// Example usage:
//
//	b, err := docker.New(docker.Options{Role: cfg.Role})
//	if err != nil {
//	    return err
//	}
//
//	r := role.New(b, role.Options{})
//	if err := r.Start(ctx); err != nil {
//	    return err
//	}
//	defer r.Close(ctx)
package docker
