package runtime

import (
	"context"
	"fmt"
	"sync"

	eventstypes "github.com/containerd/containerd/api/events"
	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/errdefs"
	"github.com/containerd/typeurl/v2"
	"github.com/opencontainers/go-digest"
)

// In-memory containerd that emits events the way containerd does.
type fakeEngine struct {
	envs chan *events.Envelope
	errs chan error

	mu           sync.Mutex
	images       map[string]digest.Digest // Image records by name.
	containers   map[string]*ContainerRecord
	registry     map[string]digest.Digest // Images pullable by reference.
	createErr    error
	specs        map[string]ContainerSpec
	deletedTasks []string
	pulls        []string
	creates      int
	subscribed   int
	closed       bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		envs:       make(chan *events.Envelope, 64),
		errs:       make(chan error, 1),
		images:     make(map[string]digest.Digest),
		containers: make(map[string]*ContainerRecord),
		registry:   make(map[string]digest.Digest),
		specs:      make(map[string]ContainerSpec),
	}
}

func (f *fakeEngine) emit(topic string, event any) {
	a, err := typeurl.MarshalAny(event)
	if err != nil {
		panic(err)
	}
	f.envs <- &events.Envelope{Namespace: "roled", Topic: topic, Event: a}
}

func (f *fakeEngine) Subscribe(ctx context.Context) (<-chan *events.Envelope, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed++
	return f.envs, f.errs
}

func (f *fakeEngine) Images(ctx context.Context) ([]ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ImageRecord
	for name, d := range f.images {
		out = append(out, ImageRecord{Name: name, Digest: d})
	}
	return out, nil
}

func (f *fakeEngine) LookupImage(ctx context.Context, name string) (ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.images[name]
	if !ok {
		return ImageRecord{}, fmt.Errorf("image %q: %w", name, errdefs.ErrNotFound)
	}
	return ImageRecord{Name: name, Digest: d}, nil
}

func (f *fakeEngine) Pull(ctx context.Context, ref string) (ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.registry[ref]
	if !ok {
		return ImageRecord{}, fmt.Errorf("%s: not found: %w", ref, errdefs.ErrNotFound)
	}
	f.pulls = append(f.pulls, ref)
	f.images[ref] = d
	f.emit("/images/create", &eventstypes.ImageCreate{Name: ref})
	return ImageRecord{Name: ref, Digest: d}, nil
}

func (f *fakeEngine) DeleteImage(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[name]; !ok {
		return fmt.Errorf("image %q: %w", name, errdefs.ErrNotFound)
	}
	delete(f.images, name)
	f.emit("/images/delete", &eventstypes.ImageDelete{Name: name})
	return nil
}

func (f *fakeEngine) Containers(ctx context.Context) ([]ContainerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerRecord
	for _, rec := range f.containers {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, id, imageName string, spec ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.images[imageName]; !ok {
		return fmt.Errorf("image %q: %w", imageName, errdefs.ErrNotFound)
	}
	f.containers[id] = &ContainerRecord{ID: id, Image: imageName}
	f.specs[id] = spec
	f.emit("/containers/create", &eventstypes.ContainerCreate{ID: id, Image: imageName})
	return nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id].Status = containerd.Running
	f.emit("/tasks/start", &eventstypes.TaskStart{ContainerID: id, Pid: 42})
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.containers[id]; ok {
		rec.Status = containerd.Stopped
	}
	f.emit("/tasks/exit", &eventstypes.TaskExit{ContainerID: id, ID: id, Pid: 42, ExitStatus: 143})
	return nil
}

func (f *fakeEngine) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.containers[id]; ok {
		rec.Status = ""
	}
	f.deletedTasks = append(f.deletedTasks, id)
	return nil
}

func (f *fakeEngine) DestroyContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return nil
	}
	delete(f.containers, id)
	f.emit("/containers/delete", &eventstypes.ContainerDelete{ID: id})
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
