package runtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	eventstypes "github.com/containerd/containerd/api/events"
	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/typeurl/v2"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
)

// Delay before resubscribing after the event stream fails.
var resubscribeDelay = time.Second

// Dispatches containerd events until the backend is closed.
//
// If the stream fails, the monitor resubscribes. Events published while
// the stream was down are lost.
func (b *Backend) monitor(envs <-chan *events.Envelope, errs <-chan error) {
	defer close(b.done)
	ctx := b.ctx

	for {
		select {
		case <-ctx.Done():
			return

		case env := <-envs:
			if env != nil {
				b.handleEnvelope(ctx, env)
			}

		case err := <-errs:
			if ctx.Err() != nil {
				return
			}
			slog.Error("containerd event stream failed", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			envs, errs = b.engine.Subscribe(ctx)
		}
	}
}

func (b *Backend) handleEnvelope(ctx context.Context, env *events.Envelope) {
	v, err := typeurl.UnmarshalAny(env.Event)
	if err != nil {
		slog.Warn("could not decode containerd event", "topic", env.Topic, "error", err)
		return
	}
	slog.Debug("containerd event", "topic", env.Topic)

	switch e := v.(type) {
	case *eventstypes.ImageCreate:
		b.imageRecorded(ctx, e.Name)
	case *eventstypes.ImageUpdate:
		b.imageRecorded(ctx, e.Name)
	case *eventstypes.ImageDelete:
		b.imageUnnamed(e.Name)

	case *eventstypes.ContainerCreate:
		b.containerCreated(ctx, e.ID, e.Image)
	case *eventstypes.ContainerDelete:
		b.containerDestroyed(ctx, e.ID)

	case *eventstypes.TaskStart:
		b.withContainer(e.ContainerID, func(c *container.Container) error { return c.Started(ctx) })
	case *eventstypes.TaskExit:
		// Exits of exec'd processes carry their own ID.
		if e.ID == e.ContainerID {
			b.taskExited(ctx, e.ContainerID)
		}
	}
}

// Records an image record created or retargeted by someone else. Pulls
// requested through the backend are completed by the pulling goroutine.
func (b *Backend) imageRecorded(ctx context.Context, name string) {
	if id, err := image.Parse(name); err == nil && b.inv.ImageExpected(id) {
		return
	}

	cctx, cancel := b.call(ctx)
	defer cancel()

	rec, err := b.engine.LookupImage(cctx, name)
	if err != nil {
		slog.Debug("could not look up image record", "name", name, "error", err)
		return
	}
	b.tag(rec)
}

func (b *Backend) imageUnnamed(name string) {
	id, err := image.Parse(name)
	if err != nil {
		return
	}
	b.untag(id)
}

// Registers a new container and hands it to the manager that requested it.
func (b *Backend) containerCreated(ctx context.Context, id, imageName string) {
	requester := b.inv.ClaimContainer(id)
	img := b.imageByName(imageName)

	c := container.New(id, id, img, b, requester)
	if !b.inv.AddContainer(c) {
		return
	}
	if img != nil {
		img.AddContainer(id)
	}

	if err := c.Created(ctx); err != nil {
		slog.Error("container setup failed", "container", c, "error", err)
	}
}

func (b *Backend) containerDestroyed(ctx context.Context, id string) {
	c := b.inv.RemoveContainer(id)
	if c == nil {
		slog.Debug("ignoring event for unknown container", "id", id)
		return
	}
	if err := c.Destroyed(ctx); err != nil {
		slog.Error("container teardown failed", "container", c, "error", err)
	}
}

// Marks the container stopped. Role containers are then either removed or
// have their task deleted so that they can be started again; containers
// created by others are left as they are.
func (b *Backend) taskExited(ctx context.Context, id string) {
	b.withContainer(id, func(c *container.Container) error {
		if err := c.Stopped(ctx); err != nil {
			return err
		}
		if !strings.HasPrefix(id, containerPrefix) {
			return nil
		}
		if b.opts.Role.AutoRemove {
			return c.Destroy(ctx)
		}

		cctx, cancel := b.call(ctx)
		defer cancel()
		return b.engine.DeleteTask(cctx, id)
	})
}

func (b *Backend) withContainer(id string, fn func(c *container.Container) error) {
	c := b.inv.Container(id)
	if c == nil {
		slog.Debug("ignoring event for unknown container", "id", id)
		return
	}
	if err := fn(c); err != nil {
		slog.Error("container event failed", "container", c, "error", err)
	}
}
