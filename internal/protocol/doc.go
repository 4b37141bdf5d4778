// Package protocol defines the messages exchanged between the roled CLI and
// the daemon over its Unix socket.
//
// Each exchange is a single request followed by a single response, both
// encoded as one line of JSON holding an [Envelope]. The envelope names the
// command and carries its payload as raw JSON, which is decoded into the
// command's typed payload with [DecodePayload]. Responses use [CmdOK] with
// the command's result, or [CmdError] with an [ErrorResult].
package protocol
