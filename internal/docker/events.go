package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/events"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
)

// Delay before resubscribing after the event stream fails.
var resubscribeDelay = time.Second

// Dispatches engine events until the backend is closed.
//
// If the stream fails, the monitor resubscribes from the time of the last
// handled event.
func (b *Backend) monitor(msgs <-chan events.Message, errs <-chan error) {
	defer close(b.done)
	ctx := b.ctx

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-msgs:
			b.handleEvent(ctx, msg)
			b.mu.Lock()
			b.lastEvt = eventTime(msg)
			b.mu.Unlock()

		case err := <-errs:
			if ctx.Err() != nil {
				return
			}
			slog.Error("docker event stream failed", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			msgs, errs = b.subscribe()
		}
	}
}

// Formats an event's time as accepted by the events "since" option.
func eventTime(msg events.Message) string {
	if msg.TimeNano == 0 {
		return fmt.Sprintf("%d", msg.Time)
	}
	return fmt.Sprintf("%d.%09d", msg.TimeNano/int64(time.Second), msg.TimeNano%int64(time.Second))
}

func (b *Backend) handleEvent(ctx context.Context, msg events.Message) {
	slog.Debug("docker event", "type", msg.Type, "action", msg.Action, "id", msg.Actor.ID)

	switch msg.Type {
	case events.ContainerEventType:
		switch msg.Action {
		case events.ActionCreate:
			b.containerCreated(ctx, msg.Actor)
		case events.ActionStart:
			b.withContainer(msg.Actor.ID, func(c *container.Container) error { return c.Started(ctx) })
		case events.ActionDie:
			b.withContainer(msg.Actor.ID, func(c *container.Container) error { return c.Stopped(ctx) })
		case events.ActionDestroy:
			b.containerDestroyed(ctx, msg.Actor.ID)
		}

	case events.ImageEventType:
		switch msg.Action {
		case events.ActionPull:
			b.imagePulled(ctx, msg.Actor.ID)
		case events.ActionTag, events.ActionUnTag:
			b.imageRetagged(ctx, msg.Actor.ID)
		case events.ActionDelete:
			b.imageDeleted(msg.Actor.ID)
		}
	}
}

// Registers a new container and hands it to the manager that requested it.
func (b *Backend) containerCreated(ctx context.Context, actor events.Actor) {
	requester := b.inv.ClaimContainer(actor.ID)
	img := b.resolveImage(actor.Attributes["image"])

	c := container.New(actor.ID, actor.Attributes["name"], img, b, requester)
	if !b.inv.AddContainer(c) {
		return
	}
	if img != nil {
		img.AddContainer(actor.ID)
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

// Finds the image a container was created from, given either an image ID
// or a tag.
func (b *Backend) resolveImage(ref string) *image.Image {
	if img := b.inv.ImageByID(ref); img != nil {
		return img
	}
	id, err := image.Parse(ref)
	if err != nil {
		return nil
	}
	return b.inv.Image(id)
}

// Records an image pulled by someone else. Pulls requested through the
// backend are completed by the pulling goroutine instead.
func (b *Backend) imagePulled(ctx context.Context, ref string) {
	if id, err := image.Parse(ref); err == nil && b.inv.ImageExpected(id) {
		return
	}
	if _, err := b.refreshImage(ctx, ref); err != nil {
		slog.Warn("could not record pulled image", "image", ref, "error", err)
	}
}

func (b *Backend) imageRetagged(ctx context.Context, id string) {
	if _, err := b.refreshImage(ctx, id); err != nil {
		if cerrdefs.IsNotFound(err) {
			return
		}
		slog.Warn("could not refresh image tags", "id", image.ShortID(id), "error", err)
	}
}

func (b *Backend) imageDeleted(id string) {
	img := b.inv.RemoveImage(id)
	if img == nil {
		slog.Debug("ignoring event for unknown image", "id", image.ShortID(id))
		return
	}
	slog.Info("image deleted", "id", img.ShortID())
	img.Deleted()
}
