package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/errdefs"
	"github.com/flordan/rolerunner/internal/config"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/inventory"
	"github.com/flordan/rolerunner/internal/paths"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Prefix of role container IDs.
const containerPrefix = "role-"

// Containerd operations used by the backend.
type engine interface {
	Subscribe(ctx context.Context) (<-chan *events.Envelope, <-chan error)
	Images(ctx context.Context) ([]ImageRecord, error)
	LookupImage(ctx context.Context, name string) (ImageRecord, error)
	Pull(ctx context.Context, ref string) (ImageRecord, error)
	DeleteImage(ctx context.Context, name string) error
	Containers(ctx context.Context) ([]ContainerRecord, error)
	CreateContainer(ctx context.Context, id, imageName string, spec ContainerSpec) error
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error
	DestroyContainer(ctx context.Context, id string) error
	Close() error
}

var _ engine = (*Runtime)(nil)

// Backend settings.
type Options struct {
	Address     string        // Containerd socket address.
	Namespace   string        // Namespace scoping images and containers.
	Snapshotter string        // Snapshotter for container filesystems.
	Timeout     time.Duration // Timeout for individual API calls. Zero disables it.
	Role        config.Role   // Settings applied to every role container.
	VolumesDir  string        // Directory backing named volumes. Empty uses the XDG data directory.
}

// Role backend driving containerd.
type Backend struct {
	engine  engine
	opts    Options
	mounts  []specs.Mount // Bind mounts added to every role container.
	volumes []string      // Volume directories created on start.
	inv     *inventory.Inventory

	mu     sync.Mutex
	ctx    context.Context    // Lifetime of the event monitor and pulls.
	cancel context.CancelFunc // Ends ctx.
	done   chan struct{}      // Closed when the event monitor returns.
}

// Creates a backend connected to containerd. The backend does nothing until
// [Backend.Start] is called.
func New(opts Options) (*Backend, error) {
	rt, err := Dial(opts.Address, opts.Namespace, opts.Snapshotter, opts.Role.Platform)
	if err != nil {
		return nil, err
	}

	b, err := newBackend(rt, opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return b, nil
}

func newBackend(e engine, opts Options) (*Backend, error) {
	if opts.VolumesDir == "" {
		opts.VolumesDir = paths.Volumes()
	}

	mounts, volumes, err := bindMounts(opts.Role.Binds, opts.VolumesDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return &Backend{
		engine:  e,
		opts:    opts,
		mounts:  mounts,
		volumes: volumes,
		inv:     inventory.New(),
	}, nil
}

// Creates the volume directories, subscribes to containerd events, loads
// the namespace's images and containers, and starts following the events.
func (b *Backend) Start(ctx context.Context) error {
	for _, dir := range b.volumes {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}

	b.mu.Lock()
	if b.ctx != nil {
		b.mu.Unlock()
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.done = make(chan struct{})
	b.mu.Unlock()

	envs, errs := b.engine.Subscribe(b.ctx)

	if err := b.load(ctx); err != nil {
		b.cancel()
		close(b.done)
		return err
	}

	go b.monitor(envs, errs)

	slog.Info("containerd backend started", "namespace", b.opts.Namespace, "images", len(b.inv.Tags()))
	return nil
}

// Stops following events and closes the containerd connection. Pulls still
// in progress are cancelled.
func (b *Backend) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if err := b.engine.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}

// Returns every tag available in the namespace.
func (b *Backend) AvailableImages() []image.Identifier {
	return b.inv.Tags()
}

// Returns the namespace's images with their tags and containers.
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

// Loads the images and containers already present in the namespace.
func (b *Backend) load(ctx context.Context) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	imgs, err := b.engine.Images(cctx)
	if err != nil {
		return fmt.Errorf("%w: list images: %w", ErrRuntime, err)
	}
	for _, rec := range imgs {
		b.tag(rec)
	}

	ctrs, err := b.engine.Containers(cctx)
	if err != nil {
		return fmt.Errorf("%w: list containers: %w", ErrRuntime, err)
	}
	for _, rec := range ctrs {
		c := container.New(rec.ID, rec.ID, b.imageByName(rec.Image), b, nil)
		if !b.inv.AddContainer(c) {
			continue
		}
		if img := c.Image(); img != nil {
			img.AddContainer(rec.ID)
		}

		var errs []error
		errs = append(errs, c.Created(ctx))
		switch rec.Status {
		case containerd.Running, containerd.Paused, containerd.Pausing:
			errs = append(errs, c.Started(ctx))
		case containerd.Stopped, containerd.Unknown:
			errs = append(errs, c.Stopped(ctx))
		}
		if err := errors.Join(errs...); err != nil {
			slog.Warn("could not restore container state", "container", c, "error", err)
		}
	}

	slog.Debug("loaded namespace state", "images", len(imgs), "containers", len(ctrs))
	return nil
}

// Records an image record, creating the image for its digest if needed.
// Records whose name is not an image reference are ignored.
func (b *Backend) tag(rec ImageRecord) *image.Image {
	id, err := image.Parse(rec.Name)
	if err != nil {
		slog.Debug("ignoring image record", "name", rec.Name, "error", err)
		return nil
	}

	digest := rec.Digest.String()
	return b.inv.Tag(id, digest, func() *image.Image { return image.NewImage(digest, b, nil) })
}

// Returns the image carrying the named tag, or nil.
func (b *Backend) imageByName(name string) *image.Image {
	id, err := image.Parse(name)
	if err != nil {
		return nil
	}
	return b.inv.Image(id)
}

// Returns the image carrying the tag, or nil.
func (b *Backend) Image(id image.Identifier) *image.Image {
	return b.inv.Image(id)
}

// Pulls and unpacks the image in the background.
//
// Once the pull completes the requester's [image.Manager.Fetched] is called,
// or [image.Manager.FetchFailed] if the pull fails. The pull is bound to the
// backend's lifetime rather than to ctx.
func (b *Backend) RequestImage(ctx context.Context, id image.Identifier, requester *image.Manager) error {
	b.inv.ExpectImage(id, requester)
	go b.pull(b.lifetime(ctx), id)
	return nil
}

// Pulls an image and completes the request for it.
//
// Containerd announces the image record before its layers are unpacked,
// so the request is completed here rather than by the image event.
func (b *Backend) pull(ctx context.Context, id image.Identifier) {
	ref := id.Reference()
	slog.Info("pulling image", "image", ref)

	rec, err := b.engine.Pull(ctx, ref)
	if err != nil {
		b.pullFailed(id, fmt.Errorf("%w: pull %s: %w", ErrRuntime, ref, err))
		return
	}

	img := b.tag(rec)
	if img == nil || !img.HasTag(id) {
		b.pullFailed(id, fmt.Errorf("%w: pulled %s as %q", ErrRuntime, ref, rec.Name))
		return
	}

	requester := b.inv.ClaimImage(id)
	img.Adopt(requester)
	if requester != nil {
		requester.Fetched(img)
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

// Deletes the given names of the image.
//
// Other names keep the image alive. The image is dropped when the deletion
// event for its last name arrives. Names containerd no longer knows are
// dropped at once.
func (b *Backend) RemoveImage(ctx context.Context, img *image.Image, tags []image.Identifier) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	var errs []error
	for _, id := range tags {
		err := b.engine.DeleteImage(cctx, id.Reference())
		switch {
		case err == nil:
		case errdefs.IsNotFound(err):
			b.untag(id)
		default:
			errs = append(errs, fmt.Errorf("%w: delete image %s (%s): %w", ErrRuntime, id, img.ShortID(), err))
		}
	}
	return errors.Join(errs...)
}

// Forgets an image containerd no longer has, along with all its names.
func (b *Backend) dropImage(img *image.Image) {
	if dropped := b.inv.RemoveImage(img.ID()); dropped != nil {
		slog.Info("image deleted", "id", dropped.ShortID())
		dropped.Deleted()
	}
}

// Removes a tag, dropping its image once no tags remain.
func (b *Backend) untag(id image.Identifier) {
	if dropped := b.inv.Untag(id, true); dropped != nil {
		slog.Info("image deleted", "id", dropped.ShortID())
		dropped.Deleted()
	}
}

// Asks containerd for a role container created from img.
//
// The container is named "role-" followed by a random UUID and runs the
// configured role command with the configured binds. The requester is
// recorded under the new ID before the create event can be handled. If the
// image is gone, it is forgotten and the error wraps [image.ErrNotFound].
func (b *Backend) CreateContainer(ctx context.Context, img *image.Image, requester *container.Manager) error {
	tags := img.Tags()
	if len(tags) == 0 {
		b.dropImage(img)
		return fmt.Errorf("%w: %s has no name to create from", image.ErrNotFound, img.ShortID())
	}

	id := containerPrefix + uuid.NewString()
	spec := ContainerSpec{
		Args:   b.opts.Role.Command,
		Mounts: b.mounts,
		Labels: map[string]string{container.ImageLabel: tags[0].String()},
	}

	cctx, cancel := b.call(ctx)
	defer cancel()

	_, err := b.inv.Create(requester, func() (string, error) {
		if err := b.engine.CreateContainer(cctx, id, tags[0].Reference(), spec); err != nil {
			return "", err
		}
		return id, nil
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			b.dropImage(img)
			return fmt.Errorf("%w: %s: %w", image.ErrNotFound, img.ShortID(), err)
		}
		return fmt.Errorf("%w: create container: %w", ErrRuntime, err)
	}

	slog.Debug("container requested", "id", id, "image", tags[0])
	return nil
}

func (b *Backend) StartContainer(ctx context.Context, id string) error {
	return b.drive(ctx, "start", id, b.engine.StartContainer)
}

func (b *Backend) StopContainer(ctx context.Context, id string) error {
	return b.drive(ctx, "stop", id, b.engine.StopContainer)
}

func (b *Backend) DestroyContainer(ctx context.Context, id string) error {
	return b.drive(ctx, "destroy", id, b.engine.DestroyContainer)
}

func (b *Backend) drive(ctx context.Context, desc, id string, fn func(context.Context, string) error) error {
	cctx, cancel := b.call(ctx)
	defer cancel()

	if err := fn(cctx, id); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRuntime, desc, id, err)
	}
	return nil
}
