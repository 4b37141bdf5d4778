// Package runtime implements the role backend on top of containerd.
//
// A [Runtime] wraps a containerd client scoped to one namespace and
// provides the image and container operations the backend needs: pulling
// and unpacking images, creating containers with fresh snapshots, and
// starting, stopping, and destroying their tasks.
//
// A [Backend] keeps an inventory of the namespace's images and containers.
// The inventory is loaded when the backend starts and is then kept current
// by following containerd's event stream. Containerd has no named volumes,
// so bind sources that are not absolute paths are directories under the
// daemon's data directory.
//
// Example usage:
//
//	b, err := runtime.New(runtime.Options{
//	    Address:     "/run/containerd/containerd.sock",
//	    Namespace:   "roled",
//	    Snapshotter: "overlayfs",
//	    Role:        cfg.Role,
//	})
//	if err != nil {
//	    return err
//	}
//
//	r := role.New(b, role.Options{})
//	if err := r.Start(ctx); err != nil {
//	    return err
//	}
//	defer r.Close(ctx)
package runtime
