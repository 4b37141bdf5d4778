// Talks to a running daemon over its Unix domain socket.
//
// Each call opens a connection, writes one newline-delimited request, reads
// one response, and closes the connection. Error responses are returned as
// Go errors wrapping [ErrRemote].
//
// Example:
//
//	var res protocol.StatusResult
//	err := client.Call(ctx, paths.Socket(), protocol.CmdStatus, nil, &res)
package client
