package runtime

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flordan/rolerunner/internal/config"
	"github.com/google/go-cmp/cmp"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultPlatform(t *testing.T) {
	p := defaultPlatform()
	if !strings.HasPrefix(p, "linux/") {
		t.Fatalf("defaultPlatform = %q, want linux/<arch>", p)
	}
	parts := strings.Split(p, "/")
	if len(parts) != 2 || parts[1] == "" {
		t.Fatalf("defaultPlatform = %q, want linux/<arch>", p)
	}
}

func TestBindMounts(t *testing.T) {
	mounts, volumes, err := bindMounts([]string{"colmena:/colmena", "/etc/hosts:/etc/hosts:ro"}, "/data/volumes")
	if err != nil {
		t.Fatal(err)
	}

	want := []specs.Mount{
		{Destination: "/colmena", Type: "bind", Source: filepath.Join("/data/volumes", "colmena"), Options: []string{"rbind", "rw"}},
		{Destination: "/etc/hosts", Type: "bind", Source: "/etc/hosts", Options: []string{"rbind", "ro"}},
	}
	if diff := cmp.Diff(want, mounts); diff != "" {
		t.Fatalf("mounts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{filepath.Join("/data/volumes", "colmena")}, volumes); diff != "" {
		t.Fatalf("volumes mismatch (-want +got):\n%s", diff)
	}
}

func TestBindMountsInvalid(t *testing.T) {
	_, _, err := bindMounts([]string{"colmena"}, "/data/volumes")
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("bindMounts error = %v, want ErrConfig", err)
	}
}
