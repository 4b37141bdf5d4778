package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeConfig(t, `
backend: containerd
containerd:
  namespace: roles
  timeout: 10s
role:
  command: ["/bin/worker", "--serve"]
  platform: linux/arm64
shutdown:
  remove_images: false
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}

	want := Default()
	want.Backend = BackendContainerd
	want.Containerd.Namespace = "roles"
	want.Containerd.Timeout = 10 * time.Second
	want.Role.Command = []string{"/bin/worker", "--serve"}
	want.Role.Platform = "linux/arm64"
	want.Shutdown.RemoveImages = false

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	p := writeConfig(t, "bakcend: docker\n")
	if _, err := Load(p); !errors.Is(err, ErrConfig) {
		t.Fatalf("Load error = %v, want ErrConfig", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown backend", func(c *Config) { c.Backend = "podman" }, ErrUnknownBackend},
		{"empty command", func(c *Config) { c.Role.Command = nil }, ErrConfig},
		{"bad platform", func(c *Config) { c.Role.Platform = "not/a/valid/platform/string" }, ErrConfig},
		{"bad bind", func(c *Config) { c.Role.Binds = []string{"data"} }, ErrConfig},
		{"zero shutdown timeout", func(c *Config) { c.Shutdown.Timeout = 0 }, ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseBind(t *testing.T) {
	tests := []struct {
		in   string
		want Bind
		err  bool
	}{
		{in: "colmena:/colmena", want: Bind{Source: "colmena", Destination: "/colmena"}},
		{in: "/srv/data:/data:ro", want: Bind{Source: "/srv/data", Destination: "/data", ReadOnly: true}},
		{in: "cache:/cache:rw", want: Bind{Source: "cache", Destination: "/cache"}},
		{in: "cache", err: true},
		{in: ":/data", err: true},
		{in: "cache:relative", err: true},
		{in: "cache:/cache:rx", err: true},
		{in: "a:/b:ro:extra", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBind(tt.in)
			if tt.err {
				if !errors.Is(err, ErrConfig) {
					t.Fatalf("ParseBind error = %v, want ErrConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("ParseBind = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBindIsHostPath(t *testing.T) {
	if (Bind{Source: "colmena"}).IsHostPath() {
		t.Fatal("named volume reported as host path")
	}
	if !(Bind{Source: "/srv"}).IsHostPath() {
		t.Fatal("absolute source not reported as host path")
	}
}
