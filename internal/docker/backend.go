package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/platforms"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/flordan/rolerunner/internal/config"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/inventory"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Backend settings.
type Options struct {
	Host    string        // Engine address. Empty uses DOCKER_HOST or the platform default.
	Timeout time.Duration // Timeout for individual API calls. Zero disables it.
	Role    config.Role   // Settings applied to every role container.
}

// Role backend driving a Docker Engine.
type Backend struct {
	api      apiClient
	opts     Options
	platform *ocispec.Platform // Parsed role platform, nil for the engine default.
	inv      *inventory.Inventory

	mu      sync.Mutex
	ctx     context.Context    // Lifetime of the event monitor and pulls.
	cancel  context.CancelFunc // Ends ctx.
	done    chan struct{}      // Closed when the event monitor returns.
	lastEvt string             // Timestamp of the last handled event, used to resubscribe.
}

// Creates a backend connected to the Docker Engine.
//
// The connection honors the standard DOCKER_* environment variables and
// negotiates the API version with the engine. The backend does nothing until
// [Backend.Start] is called.
func New(opts Options) (*Backend, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	api, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocker, err)
	}

	b, err := newBackend(api, opts)
	if err != nil {
		api.Close()
		return nil, err
	}
	return b, nil
}

func newBackend(api apiClient, opts Options) (*Backend, error) {
	b := &Backend{
		api:  api,
		opts: opts,
		inv:  inventory.New(),
	}

	if opts.Role.Platform != "" {
		p, err := platforms.Parse(opts.Role.Platform)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPlatform, opts.Role.Platform, err)
		}
		b.platform = &p
	}
	return b, nil
}

// Subscribes to engine events, loads the engine's current images and
// containers, and starts following the events.
//
// The subscription is opened before the state is listed so that nothing
// happening in between is missed; events for objects that were already
// loaded are ignored.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.ctx != nil {
		b.mu.Unlock()
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.done = make(chan struct{})
	b.mu.Unlock()

	msgs, errs := b.subscribe()

	if err := b.load(ctx); err != nil {
		b.cancel()
		close(b.done)
		return err
	}

	go b.monitor(msgs, errs)

	slog.Info("docker backend started", "images", len(b.inv.Tags()))
	return nil
}

// Stops following engine events and closes the engine connection.
//
// Pulls still in progress are cancelled.
func (b *Backend) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if err := b.api.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrDocker, err)
	}
	return nil
}

// Returns every tag available in the engine.
func (b *Backend) AvailableImages() []image.Identifier {
	return b.inv.Tags()
}

// Returns the engine's images with their tags and containers.
func (b *Backend) Snapshot() []inventory.ImageState {
	return b.inv.Snapshot()
}

// Returns the context used for work that outlives a single request.
func (b *Backend) lifetime(ctx context.Context) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return b.ctx
	}
	return ctx
}

// Bounds a single API call by the configured timeout.
func (b *Backend) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.Timeout)
}

func (b *Backend) subscribe() (<-chan events.Message, <-chan error) {
	b.mu.Lock()
	ctx, since := b.ctx, b.lastEvt
	b.mu.Unlock()

	return b.api.Events(ctx, events.ListOptions{
		Since: since,
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("type", string(events.ImageEventType)),
		),
	})
}

// Loads the images and containers already present in the engine.
//
// Untagged images are kept so that their containers can refer to them, but
// they are not available to roles. Loaded objects have no requester.
func (b *Backend) load(ctx context.Context) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	imgs, err := b.api.ImageList(cctx, imagetypes.ListOptions{})
	if err != nil {
		return fmt.Errorf("%w: list images: %w", ErrDocker, err)
	}
	for _, s := range imgs {
		b.inv.AddImage(s.ID, b.newImage(s.ID, nil))
		for _, t := range s.RepoTags {
			id, err := image.Parse(t)
			if err != nil {
				continue
			}
			b.inv.Tag(id, s.ID, b.newImage(s.ID, nil))
		}
	}

	ctrs, err := b.api.ContainerList(cctx, containertypes.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("%w: list containers: %w", ErrDocker, err)
	}
	for _, s := range ctrs {
		var name string
		if len(s.Names) > 0 {
			name = s.Names[0]
		}

		img := b.inv.ImageByID(s.ImageID)
		c := container.New(s.ID, name, img, b, nil)
		if !b.inv.AddContainer(c) {
			continue
		}
		if img != nil {
			img.AddContainer(s.ID)
		}

		var errs []error
		errs = append(errs, c.Created(ctx))
		switch s.State {
		case "running", "restarting", "paused":
			errs = append(errs, c.Started(ctx))
		case "exited", "dead":
			errs = append(errs, c.Stopped(ctx))
		}
		if err := errors.Join(errs...); err != nil {
			slog.Warn("could not restore container state", "container", c, "error", err)
		}
	}

	slog.Debug("loaded engine state", "images", len(imgs), "containers", len(ctrs))
	return nil
}

// Returns a constructor for an image owned by this backend.
func (b *Backend) newImage(id string, monitor *image.Manager) func() *image.Image {
	return func() *image.Image {
		return image.NewImage(id, b, monitor)
	}
}
