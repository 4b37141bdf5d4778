package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flordan/rolerunner/internal/config"
	"github.com/flordan/rolerunner/internal/docker"
	"github.com/flordan/rolerunner/internal/role"
	"github.com/flordan/rolerunner/internal/runtime"
	"github.com/flordan/rolerunner/internal/server"
)

// Represents the 'roled start' command.
type StartCmd struct{}

// Executes the start command.
//
// Loads the configuration, connects the selected engine backend, and serves
// commands on a Unix domain socket. Blocks until the context is cancelled
// (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *StartCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}

	runner := role.New(backend, role.Options{RemoveImages: cfg.Shutdown.RemoveImages})
	if err := runner.Start(ctx); err != nil {
		backend.Close()
		return err
	}

	srv, err := server.New(server.Config{
		SocketPath:      RootCmd.Socket,
		Runner:          runner,
		Backend:         cfg.Backend,
		ShutdownTimeout: cfg.Shutdown.Timeout,
	})
	if err != nil {
		backend.Close()
		return err
	}

	if err := srv.Start(); err != nil {
		backend.Close()
		return err
	}

	slog.Info("roled is running", "backend", cfg.Backend)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-srv.Done():
		slog.Info("shut down by request")
	}

	return srv.Stop()
}

// Creates the engine backend named by the configuration.
func newBackend(cfg config.Config) (role.Backend, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		return docker.New(docker.Options{
			Host:    cfg.Docker.Host,
			Timeout: cfg.Docker.Timeout,
			Role:    cfg.Role,
		})
	case config.BackendContainerd:
		return runtime.New(runtime.Options{
			Address:     cfg.Containerd.Address,
			Namespace:   cfg.Containerd.Namespace,
			Snapshotter: cfg.Containerd.Snapshotter,
			Timeout:     cfg.Containerd.Timeout,
			Role:        cfg.Role,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}
