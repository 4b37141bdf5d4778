package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/flordan/rolerunner/internal/protocol"
)

// Sends a request to the daemon listening on socket and decodes the response
// into result.
//
// A nil req sends no payload and a nil result discards the response payload.
// The exchange is abandoned when ctx is done.
func Call(ctx context.Context, socket string, cmd protocol.Command, req, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrNotRunning, socket)
		}
		return fmt.Errorf("%w: %w", ErrClient, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	data, err := protocol.Encode(cmd, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClient, err)
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return exchangeError(ctx, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return exchangeError(ctx, err)
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClient, err)
	}

	switch env.Command {
	case protocol.CmdError:
		res, err := protocol.DecodePayload[protocol.ErrorResult](payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRemote, err)
		}
		return fmt.Errorf("%w: %s", ErrRemote, res.Message)

	case protocol.CmdOK:
		if result == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("%w: %w", ErrClient, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpected, env.Command)
	}
}

// Prefers the context error when the exchange failed because ctx ended.
func exchangeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrClient, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrClient, err)
}
