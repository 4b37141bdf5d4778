package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/inventory"
	"github.com/flordan/rolerunner/internal/paths"
	"github.com/flordan/rolerunner/internal/protocol"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "roled"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Time allowed for the runner to shut down when none is configured.
	DefaultShutdownTimeout = time.Minute
)

// Role operations served by the daemon.
type Runner interface {
	AvailableImages() []image.Identifier
	IsImageAvailable(id image.Identifier) bool
	FetchImage(ctx context.Context, id image.Identifier) error
	StartRole(ctx context.Context, id image.Identifier) error
	Roles() []container.Info
	StopRole(ctx context.Context, ref string) error
	DestroyRole(ctx context.Context, ref string) error
	Snapshot() ([]inventory.ImageState, error)
	Close(ctx context.Context) error
}

// Holds server configuration.
type Config struct {
	SocketPath      string        // Override for the Unix socket path. Empty uses the default.
	PIDFile         string        // Override for the PID file path. Empty uses the default.
	Runner          Runner        // Role runner serving the commands.
	Backend         string        // Engine backend name reported by status.
	ShutdownTimeout time.Duration // Time allowed for the runner to shut down. Zero uses [DefaultShutdownTimeout].
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath      string        // Path to the Unix socket file.
	pidFile         string        // Path to the PID file.
	runner          Runner        // Role runner serving the commands.
	backend         string        // Engine backend name.
	shutdownTimeout time.Duration // Time allowed for the runner to shut down.
	listener        net.Listener  // Listener for incoming connections.
	startedAt       time.Time     // Timestamp when the server started.
	requests        int           // Total number of commands processed.
	done            chan struct{} // Channel to signal server shutdown.
	stopOnce        sync.Once     // Guards the shutdown sequence.
	stopErr         error         // Result of the shutdown sequence.
	mu              sync.Mutex    // Mutex to protect shared state.
}

// Creates a new server instance.
//
// The socket is not opened until [Server.Start] is called.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, ErrNoRunner)
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = paths.PIDFile()
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	return &Server{
		socketPath:      socketPath,
		pidFile:         pidFile,
		runner:          cfg.Runner,
		backend:         cfg.Backend,
		shutdownTimeout: shutdownTimeout,
		done:            make(chan struct{}),
	}, nil
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(s.pidFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. The daemon does not run as
// root; any user in the roled group can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %w", ErrServer, socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Warn("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up resources.
//
// The listener is closed first so no new commands arrive. The runner then
// removes its roles within the shutdown timeout. Calling Stop again returns
// the result of the first call.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.runner.Close(ctx); err != nil {
			s.stopErr = fmt.Errorf("%w: %w", ErrServer, err)
		}

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)

		close(s.done)
	})
	return s.stopErr
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Returns a channel closed once the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	slog.Info("command received", "command", env.Command)

	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdImages:
		s.handleImages(conn)
	case protocol.CmdImageAvailable:
		s.handleImageAvailable(conn, payload)
	case protocol.CmdImageFetch:
		s.handleImageFetch(ctx, conn, payload)
	case protocol.CmdRoleStart:
		s.handleRoleStart(ctx, conn, payload)
	case protocol.CmdRoleList:
		s.handleRoleList(conn)
	case protocol.CmdRoleStop:
		s.handleRoleStop(ctx, conn, payload)
	case protocol.CmdRoleDestroy:
		s.handleRoleDestroy(ctx, conn, payload)
	case protocol.CmdState:
		s.handleState(conn)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// Writes an error response carrying the error's message.
func (s *Server) respondError(conn net.Conn, err error) {
	s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. The caller must ensure that no further data
// is expected on r for the lifetime of the returned context. If data arrives
// unexpectedly, it will be discarded and the context will be cancelled
// prematurely. The returned [context.CancelFunc] must always be called to
// release resources, even if the connection closes on its own.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
