package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
)

// OCI runtime shim for running containers.
const ociRuntime = "io.containerd.runc.v2"

// Image record as stored by containerd.
type ImageRecord struct {
	Name   string        // Fully qualified reference (e.g., "docker.io/library/ubuntu:latest").
	Digest digest.Digest // Digest of the image's target manifest or index.
}

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	namespace   string             // Namespace scoping images, containers, and events.
	snapshotter string             // Snapshotter for container filesystems.
	platform    string             // OCI platform images are pulled and run for.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. An
// empty platform selects the host's. The runtime must be closed when no
// longer needed.
func Dial(address, namespace, snapshotter, platform string) (*Runtime, error) {
	if platform == "" {
		platform = defaultPlatform()
	}
	if _, err := platforms.Parse(platform); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPlatform, platform, err)
	}

	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return &Runtime{
		client:      client,
		namespace:   namespace,
		snapshotter: snapshotter,
		platform:    platform,
	}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Subscribes to the image, container, and task events of the runtime's
// namespace.
func (rt *Runtime) Subscribe(ctx context.Context) (<-chan *events.Envelope, <-chan error) {
	filter := fmt.Sprintf(`namespace==%s,topic~="^/(images|containers|tasks)/"`, rt.namespace)
	return rt.client.EventService().Subscribe(ctx, filter)
}

// Lists the image records in the namespace.
func (rt *Runtime) Images(ctx context.Context) ([]ImageRecord, error) {
	imgs, err := rt.client.ImageService().List(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]ImageRecord, 0, len(imgs))
	for _, img := range imgs {
		records = append(records, ImageRecord{Name: img.Name, Digest: img.Target.Digest})
	}
	return records, nil
}

// Looks up an image record by name.
func (rt *Runtime) LookupImage(ctx context.Context, name string) (ImageRecord, error) {
	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return ImageRecord{}, err
	}
	return ImageRecord{Name: img.Name, Digest: img.Target.Digest}, nil
}

// Pulls an image and unpacks it for the runtime's platform.
//
// Returns once the layers are unpacked into the snapshotter, so a container
// can be created from the image right away.
func (rt *Runtime) Pull(ctx context.Context, ref string) (ImageRecord, error) {
	img, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatform(rt.platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	if err != nil {
		return ImageRecord{}, err
	}
	return ImageRecord{Name: img.Name(), Digest: img.Target().Digest}, nil
}

// Deletes an image record. Content no longer referenced is garbage
// collected by containerd.
func (rt *Runtime) DeleteImage(ctx context.Context, name string) error {
	return rt.client.ImageService().Delete(ctx, name)
}

// Looks up an image record and selects the manifest for the runtime's
// platform.
//
// Multi-platform images contain manifests for multiple architectures. This
// method selects one, so that subsequent operations target the correct
// architecture.
func (rt *Runtime) resolveImage(ctx context.Context, name string) (containerd.Image, error) {
	p, err := platforms.Parse(rt.platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
