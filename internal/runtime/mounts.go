package runtime

import (
	"path/filepath"

	"github.com/flordan/rolerunner/internal/config"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Converts bind specifications into OCI bind mounts.
//
// Containerd has no named volumes, so a source that is not an absolute path
// names a directory under volumesDir. Returns the mounts and the volume
// directories they need.
func bindMounts(binds []string, volumesDir string) ([]specs.Mount, []string, error) {
	var (
		mounts  []specs.Mount
		volumes []string
	)

	for _, s := range binds {
		b, err := config.ParseBind(s)
		if err != nil {
			return nil, nil, err
		}

		source := b.Source
		if !b.IsHostPath() {
			source = filepath.Join(volumesDir, b.Source)
			volumes = append(volumes, source)
		}

		mode := "rw"
		if b.ReadOnly {
			mode = "ro"
		}

		mounts = append(mounts, specs.Mount{
			Destination: b.Destination,
			Type:        "bind",
			Source:      source,
			Options:     []string{"rbind", mode},
		})
	}
	return mounts, volumes, nil
}
