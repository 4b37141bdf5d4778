package runtime

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Time a container is given to exit after SIGTERM before it is killed.
const stopGracePeriod = 10 * time.Second

// Container record as stored by containerd, with the status of its task.
type ContainerRecord struct {
	ID     string                   // Containerd container ID.
	Image  string                   // Name of the image the container was created from.
	Status containerd.ProcessStatus // Task status, empty if the container has no task.
}

// Process and mounts of a new container.
type ContainerSpec struct {
	Args   []string          // Process arguments, replacing the image's command.
	Mounts []specs.Mount     // Bind mounts added to the image's configuration.
	Labels map[string]string // Container labels.
}

// Lists the containers in the namespace.
//
// Containers that disappear while being listed are skipped.
func (rt *Runtime) Containers(ctx context.Context) ([]ContainerRecord, error) {
	ctrs, err := rt.client.Containers(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]ContainerRecord, 0, len(ctrs))
	for _, ctr := range ctrs {
		info, err := ctr.Info(ctx)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}

		rec := ContainerRecord{ID: info.ID, Image: info.Image}
		if task, err := ctr.Task(ctx, nil); err == nil {
			if status, err := task.Status(ctx); err == nil {
				rec.Status = status.Status
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Creates a container from the named image with a fresh snapshot.
//
// The OCI spec starts from the platform default, applies the image
// configuration, then replaces the process arguments and adds the mounts.
func (rt *Runtime) CreateContainer(ctx context.Context, id, imageName string, spec ContainerSpec) error {
	image, err := rt.resolveImage(ctx, imageName)
	if err != nil {
		return err
	}

	_, err = rt.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(rt.snapshotter),
		containerd.WithNewSnapshot(id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(rt.platform),
			oci.WithImageConfig(image),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs(spec.Args...),
			oci.WithMounts(spec.Mounts),
		),
	)
	return err
}

// Starts the container's task with no attached IO.
func (rt *Runtime) StartContainer(ctx context.Context, id string) error {
	ctr, err := rt.client.LoadContainer(ctx, id)
	if err != nil {
		return err
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Sends SIGTERM to the container's task, then SIGKILL if it has not exited
// after the grace period.
//
// The exit is reported by the task exit event. Calling StopContainer on a
// container without a task is not an error.
func (rt *Runtime) StopContainer(ctx context.Context, id string) error {
	task, err := rt.task(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	exited, err := task.Wait(ctx)
	if err != nil {
		return err
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	select {
	case <-exited:
		return nil
	case <-time.After(stopGracePeriod):
		slog.Debug("container ignored SIGTERM, killing", "id", id)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deletes the container's exited task so that the container can be started
// again.
func (rt *Runtime) DeleteTask(ctx context.Context, id string) error {
	task, err := rt.task(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Removes the container and its resources.
//
// Any task is killed and the container is removed from containerd along
// with its snapshot. A container that no longer exists is not an error.
func (rt *Runtime) DestroyContainer(ctx context.Context, id string) error {
	ctr, err := rt.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (rt *Runtime) task(ctx context.Context, id string) (containerd.Task, error) {
	ctr, err := rt.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	return ctr.Task(ctx, nil)
}
