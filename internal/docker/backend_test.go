package docker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/flordan/rolerunner/internal/config"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/role"
	"github.com/google/go-cmp/cmp"
)

func testOptions() Options {
	return Options{Timeout: time.Second, Role: config.Default().Role}
}

func startBackend(t *testing.T, api *fakeAPI) *Backend {
	t.Helper()
	b, err := newBackend(api, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRejectsBadPlatform(t *testing.T) {
	opts := testOptions()
	opts.Role.Platform = "not/a/valid/platform/string"
	if _, err := newBackend(newFakeAPI(), opts); !errors.Is(err, ErrInvalidPlatform) {
		t.Fatalf("newBackend error = %v, want ErrInvalidPlatform", err)
	}
}

func TestStartLoadsState(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{
		{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest", "ubuntu:24.04"}},
		{ID: "sha256:bbb", RepoTags: []string{"<none>:<none>"}},
	}
	api.containers = []containertypes.Summary{
		{ID: "c1", Names: []string{"/web"}, ImageID: "sha256:aaa", State: "running"},
		{ID: "c2", Names: []string{"/old"}, ImageID: "sha256:aaa", State: "exited"},
		{ID: "c3", Names: []string{"/new"}, ImageID: "sha256:bbb", State: "created"},
	}

	b := startBackend(t, api)

	want := []image.Identifier{image.New("ubuntu", "24.04"), image.New("ubuntu", "latest")}
	if diff := cmp.Diff(want, b.AvailableImages()); diff != "" {
		t.Fatalf("AvailableImages mismatch (-want +got):\n%s", diff)
	}

	states := b.Snapshot()
	if len(states) != 2 {
		t.Fatalf("Snapshot has %d images, want 2", len(states))
	}
	wantContainers := []container.Info{
		{ID: "c1", Name: "web", Image: "sha256:aaa", State: container.Running},
		{ID: "c2", Name: "old", Image: "sha256:aaa", State: container.Stopped},
	}
	if diff := cmp.Diff(wantContainers, states[0].Containers); diff != "" {
		t.Fatalf("containers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{}, states[1].Tags); diff != "" {
		t.Fatalf("untagged image tags mismatch (-want +got):\n%s", diff)
	}
	if got := states[1].Containers[0].State; got != container.Created {
		t.Fatalf("c3 state = %v, want Created", got)
	}
}

func TestRequestImage(t *testing.T) {
	api := newFakeAPI()
	alpine := image.New("alpine", "latest")
	api.registry[alpine.Reference()] = imagetypes.InspectResponse{ID: "sha256:ccc", RepoTags: []string{"alpine:latest"}}

	b := startBackend(t, api)
	m := image.NewManager(b)

	got := make(chan *image.Image, 1)
	m.ObtainImage(context.Background(), alpine, func(img *image.Image, err error) {
		if err != nil {
			t.Errorf("ObtainImage error: %v", err)
		}
		got <- img
	})

	select {
	case img := <-got:
		if img.ID() != "sha256:ccc" {
			t.Fatalf("image ID = %q, want sha256:ccc", img.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the pull")
	}

	if !m.IsImageAvailable(alpine) {
		t.Fatal("pulled image not available")
	}
	if n := len(m.Images()); n != 1 {
		t.Fatalf("manager tracks %d images, want 1", n)
	}
}

func TestRequestImageStreamError(t *testing.T) {
	api := newFakeAPI()
	missing := image.New("missing", "latest")
	api.pullErrs[missing.Reference()] = "manifest unknown"

	b := startBackend(t, api)
	m := image.NewManager(b)

	got := make(chan error, 1)
	m.ObtainImage(context.Background(), missing, func(img *image.Image, err error) {
		got <- err
	})

	select {
	case err := <-got:
		if !errors.Is(err, ErrDocker) {
			t.Fatalf("error = %v, want ErrDocker", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the failure")
	}
}

func TestExternalPullRecorded(t *testing.T) {
	api := newFakeAPI()
	b := startBackend(t, api)

	api.mu.Lock()
	api.images = append(api.images, imagetypes.InspectResponse{ID: "sha256:ddd", RepoTags: []string{"redis:7"}})
	api.mu.Unlock()
	api.emit(events.ImageEventType, events.ActionPull, "redis:7", nil)

	waitFor(t, "pulled image to be recorded", func() bool { return b.Image(image.New("redis", "7")) != nil })
}

func TestRoleLifecycle(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}}

	b := startBackend(t, api)
	m := container.NewManager(b, true)
	img := b.Image(image.New("ubuntu", "latest"))
	ctx := context.Background()

	if err := m.StartRole(ctx, img); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "role to run", func() bool {
		list := m.List()
		return len(list) == 1 && list[0].State() == container.Running
	})

	api.mu.Lock()
	cfg, host := api.created[0], api.hosts[0]
	api.mu.Unlock()

	if cfg.Image != "sha256:aaa" {
		t.Errorf("created from %q, want sha256:aaa", cfg.Image)
	}
	if diff := cmp.Diff([]string{"sleep", "1000"}, []string(cfg.Cmd)); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.Labels[container.ImageLabel]; got != "ubuntu:latest" {
		t.Errorf("image label = %q, want ubuntu:latest", got)
	}
	if diff := cmp.Diff([]string{"colmena:/colmena"}, host.Binds); diff != "" {
		t.Errorf("binds mismatch (-want +got):\n%s", diff)
	}
	if !host.AutoRemove {
		t.Error("AutoRemove not set")
	}
	if diff := cmp.Diff([]string{"c1"}, img.Containers()); diff != "" {
		t.Errorf("image containers mismatch (-want +got):\n%s", diff)
	}

	c := m.List()[0]
	if err := c.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "role to be removed", func() bool { return len(m.List()) == 0 })

	if len(img.Containers()) != 0 {
		t.Errorf("image still lists containers %v", img.Containers())
	}
	if c.State() != container.Destroyed {
		t.Errorf("state = %v, want Destroyed", c.State())
	}
}

func TestCreateContainerImageGone(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}}
	api.createErr = fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)

	b := startBackend(t, api)
	img := b.Image(image.New("ubuntu", "latest"))

	err := b.CreateContainer(context.Background(), img, nil)
	if !errors.Is(err, image.ErrNotFound) {
		t.Fatalf("CreateContainer error = %v, want image.ErrNotFound", err)
	}
}

func TestCreateContainerFailure(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}}
	api.createErr = errors.New("engine unavailable")

	b := startBackend(t, api)
	img := b.Image(image.New("ubuntu", "latest"))

	err := b.CreateContainer(context.Background(), img, nil)
	if !errors.Is(err, ErrDocker) || errors.Is(err, image.ErrNotFound) {
		t.Fatalf("CreateContainer error = %v, want ErrDocker only", err)
	}
}

func TestTagEvents(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{
		{ID: "sha256:aaa", RepoTags: []string{"app:v1", "app:latest"}},
		{ID: "sha256:bbb", RepoTags: []string{"app:v2"}},
	}
	b := startBackend(t, api)
	latest := image.New("app", "latest")

	// Move app:latest to the newer image.
	api.mu.Lock()
	api.images[0].RepoTags = []string{"app:v1"}
	api.images[1].RepoTags = []string{"app:v2", "app:latest"}
	api.mu.Unlock()
	api.emit(events.ImageEventType, events.ActionTag, "sha256:bbb", map[string]string{"name": "app:latest"})

	waitFor(t, "tag to move", func() bool {
		img := b.Image(latest)
		return img != nil && img.ID() == "sha256:bbb"
	})
	if b.inv.ImageByID("sha256:aaa").HasTag(latest) {
		t.Fatal("old image still carries the moved tag")
	}

	// Drop app:v1.
	api.mu.Lock()
	api.images[0].RepoTags = nil
	api.mu.Unlock()
	api.emit(events.ImageEventType, events.ActionUnTag, "sha256:aaa", nil)

	waitFor(t, "tag to be removed", func() bool { return b.Image(image.New("app", "v1")) == nil })
}

func TestDeleteEvent(t *testing.T) {
	api := newFakeAPI()
	alpine := image.New("alpine", "latest")
	api.registry[alpine.Reference()] = imagetypes.InspectResponse{ID: "sha256:ccc", RepoTags: []string{"alpine:latest"}}

	b := startBackend(t, api)
	m := image.NewManager(b)

	fetched := make(chan struct{})
	m.ObtainImage(context.Background(), alpine, func(*image.Image, error) { close(fetched) })
	<-fetched

	if err := m.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "image to be forgotten", func() bool { return len(m.Images()) == 0 })

	if b.Image(alpine) != nil {
		t.Fatal("deleted image still available")
	}
	if diff := cmp.Diff([]string{"docker.io/library/alpine:latest"}, api.removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveUnknownImage(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}}
	b := startBackend(t, api)
	img := b.Image(image.New("ubuntu", "latest"))

	// The engine lost the image without telling us.
	api.mu.Lock()
	api.images = nil
	api.mu.Unlock()

	if err := b.RemoveImage(context.Background(), img, []image.Identifier{image.New("ubuntu", "latest")}); err != nil {
		t.Fatal(err)
	}
	if b.inv.ImageByID("sha256:aaa") != nil {
		t.Fatal("image not dropped")
	}
}

func TestClearKeepsOtherTags(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:22.04"}}}
	latest := image.New("ubuntu", "latest")
	api.registry[latest.Reference()] = imagetypes.InspectResponse{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}

	b := startBackend(t, api)
	m := image.NewManager(b)

	fetched := make(chan struct{})
	m.ObtainImage(context.Background(), latest, func(*image.Image, error) { close(fetched) })
	<-fetched

	if err := m.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fetched tag to be removed", func() bool { return b.Image(latest) == nil })

	if b.Image(image.New("ubuntu", "22.04")) == nil {
		t.Fatal("tag that was not fetched was removed")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if diff := cmp.Diff([]string{"docker.io/library/ubuntu:latest"}, api.removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ubuntu:22.04"}, api.images[0].RepoTags); diff != "" {
		t.Fatalf("engine tags mismatch (-want +got):\n%s", diff)
	}
}

func TestStartRoleRefetchesVanishedImage(t *testing.T) {
	api := newFakeAPI()
	ubuntu := image.New("ubuntu", "latest")
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}}
	api.registry[ubuntu.Reference()] = imagetypes.InspectResponse{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}
	api.createErr = fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)

	b := startBackend(t, api)
	r := role.New(b, role.Options{})

	if err := r.StartRole(context.Background(), ubuntu); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "every start attempt", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.creates == role.DefaultMaxStartAttempts
	})

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.pulls) == 0 {
		t.Fatal("retry reused the vanished image instead of pulling it again")
	}
}

func TestCreateContainerImageGoneForgetsImage(t *testing.T) {
	api := newFakeAPI()
	api.images = []imagetypes.InspectResponse{{ID: "sha256:aaa", RepoTags: []string{"ubuntu:latest"}}}
	api.createErr = fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)

	b := startBackend(t, api)
	m := image.NewManager(b)
	img := b.Image(image.New("ubuntu", "latest"))

	if err := b.CreateContainer(context.Background(), img, nil); !errors.Is(err, image.ErrNotFound) {
		t.Fatalf("CreateContainer error = %v, want image.ErrNotFound", err)
	}
	if m.IsImageAvailable(image.New("ubuntu", "latest")) {
		t.Fatal("vanished image still available")
	}
}

func TestDestroyGoneContainer(t *testing.T) {
	b := startBackend(t, newFakeAPI())
	if err := b.DestroyContainer(context.Background(), "nope"); err != nil {
		t.Fatalf("DestroyContainer = %v, want nil for a missing container", err)
	}
}

func TestResubscribe(t *testing.T) {
	old := resubscribeDelay
	resubscribeDelay = time.Millisecond
	t.Cleanup(func() { resubscribeDelay = old })

	api := newFakeAPI()
	b := startBackend(t, api)

	api.errs <- errors.New("connection reset")
	waitFor(t, "resubscription", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.subscribed == 2
	})

	api.mu.Lock()
	api.images = append(api.images, imagetypes.InspectResponse{ID: "sha256:eee", RepoTags: []string{"nginx:1"}})
	api.mu.Unlock()
	api.emit(events.ImageEventType, events.ActionPull, "nginx:1", nil)

	waitFor(t, "event after resubscription", func() bool { return b.Image(image.New("nginx", "1")) != nil })
}

func TestClose(t *testing.T) {
	api := newFakeAPI()
	b, err := newBackend(api, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-b.done:
	default:
		t.Fatal("monitor still running after Close")
	}
	if !api.closed {
		t.Fatal("client not closed")
	}
}
