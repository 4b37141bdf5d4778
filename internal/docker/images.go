package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/flordan/rolerunner/internal/image"
)

// Returns the image carrying the tag, or nil.
func (b *Backend) Image(id image.Identifier) *image.Image {
	return b.inv.Image(id)
}

// Pulls the image in the background.
//
// Once the pull completes the requester's [image.Manager.Fetched] is called,
// or [image.Manager.FetchFailed] if the pull fails. The pull is bound to the
// backend's lifetime rather than to ctx.
func (b *Backend) RequestImage(ctx context.Context, id image.Identifier, requester *image.Manager) error {
	b.inv.ExpectImage(id, requester)
	go b.pull(b.lifetime(ctx), id)
	return nil
}

func (b *Backend) pull(ctx context.Context, id image.Identifier) {
	ref := id.Reference()
	slog.Info("pulling image", "image", ref)

	if err := b.pullStream(ctx, ref); err != nil {
		b.pullFailed(id, err)
		return
	}

	img, err := b.refreshImage(ctx, ref)
	if err != nil {
		b.pullFailed(id, err)
		return
	}
	if !img.HasTag(id) {
		b.pullFailed(id, fmt.Errorf("%w: pulled image %s does not carry %s", ErrDocker, img.ShortID(), id))
		return
	}

	requester := b.inv.ClaimImage(id)
	img.Adopt(requester)
	if requester != nil {
		requester.Fetched(img)
	}
}

// Issues the pull and consumes its progress stream until the engine is
// done. An error reported in the stream fails the pull.
func (b *Backend) pullStream(ctx context.Context, ref string) error {
	rc, err := b.api.ImagePull(ctx, ref, imagetypes.PullOptions{Platform: b.opts.Role.Platform})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %w", ErrDocker, ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: pull %s: %w", ErrDocker, ref, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: pull %s: %w", ErrDocker, ref, msg.Error)
		}
		if msg.Status != "" {
			slog.Debug("pull progress", "image", ref, "layer", msg.ID, "status", msg.Status)
		}
	}
}

func (b *Backend) pullFailed(id image.Identifier, err error) {
	requester := b.inv.ClaimImage(id)
	if requester == nil {
		slog.Error("image pull failed", "image", id, "error", err)
		return
	}
	requester.FetchFailed(id, err)
}

// Inspects an image and brings its inventory entry and tags up to date.
func (b *Backend) refreshImage(ctx context.Context, ref string) (*image.Image, error) {
	cctx, cancel := b.call(ctx)
	defer cancel()

	info, err := b.api.ImageInspect(cctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect image %s: %w", ErrDocker, ref, err)
	}

	img := b.inv.AddImage(info.ID, b.newImage(info.ID, nil))

	current := make(map[image.Identifier]bool, len(info.RepoTags))
	for _, t := range info.RepoTags {
		id, err := image.Parse(t)
		if err != nil {
			continue
		}
		current[id] = true
		b.inv.Tag(id, info.ID, b.newImage(info.ID, nil))
	}

	for _, id := range img.Tags() {
		if !current[id] && b.inv.Image(id) == img {
			b.inv.Untag(id, false)
		}
	}
	return img, nil
}

// Asks the engine to remove the given tags of the image.
//
// The engine deletes the image once its last tag is gone, so tags the
// image carries for other reasons keep it alive. Removals are confirmed by
// the engine's untag and delete events. A tag the engine no longer knows is
// dropped at once.
func (b *Backend) RemoveImage(ctx context.Context, img *image.Image, tags []image.Identifier) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	var errs []error
	for _, tag := range tags {
		_, err := b.api.ImageRemove(cctx, tag.Reference(), imagetypes.RemoveOptions{PruneChildren: true})
		if cerrdefs.IsNotFound(err) {
			b.untag(tag)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: remove image %s (%s): %w", ErrDocker, tag, img.ShortID(), err))
		}
	}
	return errors.Join(errs...)
}

// Forgets a tag the engine no longer has, and the image if it was the last.
func (b *Backend) untag(tag image.Identifier) {
	if img := b.inv.Untag(tag, true); img != nil {
		slog.Info("image deleted", "id", img.ShortID())
		img.Deleted()
	}
}
