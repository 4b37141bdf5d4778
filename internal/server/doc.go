// Package server implements the roled daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the roled CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection.
//
// Supported commands list and fetch images, start, list, stop, and remove
// roles, report the engine state and daemon status, and initiate shutdown.
// Role commands are delegated to a [Runner], normally a role.Runner on top
// of the configured engine backend.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    Runner:  runner,
//	    Backend: "docker",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
