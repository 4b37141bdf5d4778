package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/inventory"
)

// Number of times a role start is attempted when its image disappears
// between lookup and container creation.
const DefaultMaxStartAttempts = 3

// Engine adapter the runner drives.
type Backend interface {
	image.Handler
	container.Creator

	// Loads the engine's current state and begins following its events.
	Start(ctx context.Context) error

	// Returns every tag available in the engine.
	AvailableImages() []image.Identifier

	// Stops following events and releases the engine connection.
	Close() error
}

// Implemented by backends that can report the engine's full state.
type Inspector interface {
	Snapshot() []inventory.ImageState
}

// Controls runner behavior.
type Options struct {
	RemoveImages     bool // Delete images fetched by the runner on Close.
	MaxStartAttempts int  // Attempts per role start. Zero uses DefaultMaxStartAttempts.
}

// Starts roles from images on top of an engine backend.
type Runner struct {
	backend    Backend
	images     *image.Manager
	containers *container.Manager
	opts       Options
	closed     atomic.Bool
}

// Creates a runner. Call [Runner.Start] before use.
func New(backend Backend, opts Options) *Runner {
	if opts.MaxStartAttempts <= 0 {
		opts.MaxStartAttempts = DefaultMaxStartAttempts
	}
	return &Runner{
		backend:    backend,
		images:     image.NewManager(backend),
		containers: container.NewManager(backend, true),
		opts:       opts,
	}
}

// Starts the backend.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.backend.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRunner, err)
	}
	return nil
}

// Returns true if an image carrying the tag is available locally.
func (r *Runner) IsImageAvailable(id image.Identifier) bool {
	return r.images.IsImageAvailable(id)
}

// Returns every tag available in the engine, sorted.
func (r *Runner) AvailableImages() []image.Identifier {
	ids := r.backend.AvailableImages()
	image.Sort(ids)
	return ids
}

// Fetches an image without starting anything from it.
//
// The fetch completes asynchronously.
func (r *Runner) FetchImage(ctx context.Context, id image.Identifier) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.images.ObtainImage(context.WithoutCancel(ctx), id, nil)
	return nil
}

// Starts a role from the image.
//
// The image is fetched if needed, then a container is created from it and
// started. Both steps complete asynchronously; failures are logged. The work
// is detached from ctx's cancellation so that it outlives the request that
// triggered it.
func (r *Runner) StartRole(ctx context.Context, id image.Identifier) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.startRole(context.WithoutCancel(ctx), id, 1)
	return nil
}

func (r *Runner) startRole(ctx context.Context, id image.Identifier, attempt int) {
	slog.Info("requesting role", "image", id, "attempt", attempt)

	r.images.ObtainImage(ctx, id, func(img *image.Image, err error) {
		if err != nil {
			slog.Error("role image unavailable", "image", id, "error", err)
			return
		}
		if r.closed.Load() {
			slog.Warn("dropping role request after close", "image", id)
			return
		}

		err = r.containers.StartRole(ctx, img)
		switch {
		case err == nil:
		case errors.Is(err, image.ErrNotFound) && attempt < r.opts.MaxStartAttempts:
			slog.Warn("role image vanished, retrying", "image", id, "attempt", attempt)
			r.startRole(ctx, id, attempt+1)
		default:
			slog.Error("role start failed", "image", id, "error", err)
		}
	})
}

// Returns the role containers ordered by ID.
func (r *Runner) Roles() []container.Info {
	list := r.containers.List()
	infos := make([]container.Info, 0, len(list))
	for _, c := range list {
		infos = append(infos, c.Info())
	}
	return infos
}

// Stops a role by container ID, name, or unambiguous ID prefix.
func (r *Runner) StopRole(ctx context.Context, ref string) error {
	c, err := r.role(ref)
	if err != nil {
		return err
	}
	return c.Stop(ctx)
}

// Removes a role by container ID, name, or unambiguous ID prefix. A running
// role is stopped first.
func (r *Runner) DestroyRole(ctx context.Context, ref string) error {
	c, err := r.role(ref)
	if err != nil {
		return err
	}
	return c.Destroy(ctx)
}

func (r *Runner) role(ref string) (*container.Container, error) {
	c, err := r.containers.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRoleNotFound, err)
	}
	return c, nil
}

// Returns the engine's images with their tags and containers.
func (r *Runner) Snapshot() ([]inventory.ImageState, error) {
	in, ok := r.backend.(Inspector)
	if !ok {
		return nil, ErrNoSnapshot
	}
	return in.Snapshot(), nil
}

// Shuts the runner down.
//
// Every role container is destroyed and waited for, then the images fetched
// by the runner are deleted if so configured, and finally the backend is
// closed. New requests are refused once Close has begun.
func (r *Runner) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}

	var errs []error

	slog.Info("removing role containers")
	if err := r.containers.Clear(ctx); err != nil {
		errs = append(errs, err)
	}

	if r.opts.RemoveImages {
		slog.Info("removing fetched images")
		if err := r.images.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.backend.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrRunner, err)
	}
	return nil
}
