package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/flordan/rolerunner/internal/image"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// In-memory engine that emits events the way the Docker Engine does.
type fakeAPI struct {
	msgs chan events.Message
	errs chan error

	mu         sync.Mutex
	images     []imagetypes.InspectResponse
	containers []containertypes.Summary
	registry   map[string]imagetypes.InspectResponse // Images pullable by reference.
	pullErrs   map[string]string                     // Errors reported in the pull stream, by reference.
	createErr  error
	created    []*containertypes.Config
	hosts      []*containertypes.HostConfig
	removed    []string
	pulls      []string
	creates    int
	subscribed int
	closed     bool
	seq        int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		msgs:     make(chan events.Message, 64),
		errs:     make(chan error, 1),
		registry: make(map[string]imagetypes.InspectResponse),
		pullErrs: make(map[string]string),
	}
}

func (f *fakeAPI) emit(typ events.Type, action events.Action, id string, attrs map[string]string) {
	f.msgs <- events.Message{
		Type:   typ,
		Action: action,
		Actor:  events.Actor{ID: id, Attributes: attrs},
	}
}

func (f *fakeAPI) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	f.mu.Lock()
	f.subscribed++
	f.mu.Unlock()
	return f.msgs, f.errs
}

func (f *fakeAPI) ImageList(ctx context.Context, options imagetypes.ListOptions) ([]imagetypes.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []imagetypes.Summary
	for _, img := range f.images {
		out = append(out, imagetypes.Summary{ID: img.ID, RepoTags: img.RepoTags})
	}
	return out, nil
}

// Matches an image by ID or by any of its tags.
func matches(img imagetypes.InspectResponse, ref string) bool {
	if img.ID == ref {
		return true
	}
	want, err := image.Parse(ref)
	if err != nil {
		return false
	}
	for _, t := range img.RepoTags {
		if id, err := image.Parse(t); err == nil && id == want {
			return true
		}
	}
	return false
}

func (f *fakeAPI) ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (imagetypes.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if matches(img, ref) {
			return img, nil
		}
	}
	return imagetypes.InspectResponse{}, fmt.Errorf("no such image %s: %w", ref, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options imagetypes.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.Encode(jsonmessage.JSONMessage{Status: "Pulling from library", ID: "latest"})

	if msg, ok := f.pullErrs[ref]; ok {
		enc.Encode(jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: msg}, ErrorMessage: msg})
		return io.NopCloser(&buf), nil
	}

	img, ok := f.registry[ref]
	if !ok {
		return nil, fmt.Errorf("pull access denied for %s: %w", ref, cerrdefs.ErrNotFound)
	}
	f.pulls = append(f.pulls, ref)
	f.addImage(img)
	enc.Encode(jsonmessage.JSONMessage{Status: "Status: Downloaded newer image for " + ref})
	f.emit(events.ImageEventType, events.ActionPull, ref, nil)

	return io.NopCloser(&buf), nil
}

// Stores a pulled image, merging its tags into an existing image with the
// same ID. Must be called with f.mu held.
func (f *fakeAPI) addImage(img imagetypes.InspectResponse) {
	for i, have := range f.images {
		if have.ID != img.ID {
			continue
		}
		for _, t := range img.RepoTags {
			if !slices.Contains(have.RepoTags, t) {
				have.RepoTags = append(slices.Clone(have.RepoTags), t)
			}
		}
		f.images[i] = have
		return
	}
	f.images = append(f.images, img)
}

// Removes an image by ID, or one of its tags by reference. The image itself
// goes with its last tag.
func (f *fakeAPI) ImageRemove(ctx context.Context, ref string, options imagetypes.RemoveOptions) ([]imagetypes.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, img := range f.images {
		if !matches(img, ref) {
			continue
		}
		var out []imagetypes.DeleteResponse
		if img.ID == ref {
			if len(img.RepoTags) > 1 && !options.Force {
				return nil, fmt.Errorf("image %s is referenced in multiple repositories: %w", ref, cerrdefs.ErrConflict)
			}
			img.RepoTags = nil
		} else {
			want, _ := image.Parse(ref)
			img.RepoTags = slices.DeleteFunc(slices.Clone(img.RepoTags), func(t string) bool {
				id, err := image.Parse(t)
				return err == nil && id == want
			})
			out = append(out, imagetypes.DeleteResponse{Untagged: ref})
			f.emit(events.ImageEventType, events.ActionUnTag, img.ID, nil)
		}
		f.removed = append(f.removed, ref)

		if len(img.RepoTags) > 0 {
			f.images[i] = img
			return out, nil
		}
		f.images = append(f.images[:i], f.images[i+1:]...)
		f.emit(events.ImageEventType, events.ActionDelete, img.ID, nil)
		return append(out, imagetypes.DeleteResponse{Deleted: img.ID}), nil
	}
	return nil, fmt.Errorf("no such image %s: %w", ref, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]containertypes.Summary(nil), f.containers...), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return containertypes.CreateResponse{}, f.createErr
	}

	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	name := fmt.Sprintf("role_%d", f.seq)
	f.created = append(f.created, config)
	f.hosts = append(f.hosts, hostConfig)
	f.containers = append(f.containers, containertypes.Summary{ID: id, Names: []string{"/" + name}, ImageID: config.Image, State: "created"})
	f.emit(events.ContainerEventType, events.ActionCreate, id, map[string]string{"image": config.Image, "name": name})

	return containertypes.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options containertypes.StartOptions) error {
	f.emit(events.ContainerEventType, events.ActionStart, id, nil)
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options containertypes.StopOptions) error {
	f.emit(events.ContainerEventType, events.ActionDie, id, nil)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options containertypes.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.containers {
		if c.ID == id {
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			f.emit(events.ContainerEventType, events.ActionDestroy, id, nil)
			return nil
		}
	}
	return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
