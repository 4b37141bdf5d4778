package docker

import (
	"context"
	"fmt"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
)

// Asks the engine for a role container created from img.
//
// The container runs the configured role command with the configured binds.
// The requester is recorded under the new container's ID before the
// engine's create event can be handled. If the engine no longer has the
// image, the image is forgotten and the error wraps [image.ErrNotFound].
func (b *Backend) CreateContainer(ctx context.Context, img *image.Image, requester *container.Manager) error {
	cfg := &containertypes.Config{
		Image:  img.ID(),
		Cmd:    b.opts.Role.Command,
		Labels: map[string]string{container.ImageLabel: imageLabel(img)},
	}
	host := &containertypes.HostConfig{
		Binds:      b.opts.Role.Binds,
		AutoRemove: b.opts.Role.AutoRemove,
	}

	cctx, cancel := b.call(ctx)
	defer cancel()

	id, err := b.inv.Create(requester, func() (string, error) {
		resp, err := b.api.ContainerCreate(cctx, cfg, host, nil, b.platform, "")
		if err != nil {
			return "", err
		}
		for _, w := range resp.Warnings {
			slog.Warn("container create warning", "id", resp.ID, "warning", w)
		}
		return resp.ID, nil
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			b.imageDeleted(img.ID())
			return fmt.Errorf("%w: %s: %w", image.ErrNotFound, img.ShortID(), err)
		}
		return fmt.Errorf("%w: create container: %w", ErrDocker, err)
	}

	slog.Debug("container requested", "id", id, "image", img.ShortID())
	return nil
}

// Returns the first tag of the image, or its ID when it has none.
func imageLabel(img *image.Image) string {
	if tags := img.Tags(); len(tags) > 0 {
		return tags[0].String()
	}
	return img.ID()
}

func (b *Backend) StartContainer(ctx context.Context, id string) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	if err := b.api.ContainerStart(cctx, id, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start %s: %w", ErrDocker, id, err)
	}
	return nil
}

// Stops the container. A container the engine no longer knows is
// considered stopped; its removal event settles its state.
func (b *Backend) StopContainer(ctx context.Context, id string) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	err := b.api.ContainerStop(cctx, id, containertypes.StopOptions{})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: stop %s: %w", ErrDocker, id, err)
	}
	return nil
}

// Force-removes the container. Containers that are already gone or being
// removed by the engine count as removed.
func (b *Backend) DestroyContainer(ctx context.Context, id string) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	err := b.api.ContainerRemove(cctx, id, containertypes.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("%w: remove %s: %w", ErrDocker, id, err)
	}
	return nil
}
