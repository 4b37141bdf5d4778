package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/containerd/platforms"
	"gopkg.in/yaml.v2"
)

// Supported engine backends.
const (
	BackendDocker     = "docker"
	BackendContainerd = "containerd"
)

const (

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for role images and containers.
	DefaultContainerdNamespace = "roled"

	// Default snapshotter for role container filesystems.
	DefaultSnapshotter = "overlayfs"

	// Default timeout applied to individual engine API calls.
	DefaultEngineTimeout = 45 * time.Second

	// Default time allowed for role containers to be removed on shutdown.
	DefaultShutdownTimeout = time.Minute
)

// Daemon configuration.
type Config struct {
	Backend    string     `yaml:"backend"`    // Engine backend, "docker" or "containerd".
	Docker     Docker     `yaml:"docker"`     // Docker Engine settings.
	Containerd Containerd `yaml:"containerd"` // Containerd settings.
	Role       Role       `yaml:"role"`       // Settings applied to every role container.
	Shutdown   Shutdown   `yaml:"shutdown"`   // Shutdown behavior.
}

// Docker Engine settings.
type Docker struct {
	Host    string        `yaml:"host"`    // Engine address. Empty uses DOCKER_HOST or the platform default.
	Timeout time.Duration `yaml:"timeout"` // Timeout for individual API calls.
}

// Containerd settings.
type Containerd struct {
	Address     string        `yaml:"address"`     // Socket address.
	Namespace   string        `yaml:"namespace"`   // Namespace scoping images and containers.
	Snapshotter string        `yaml:"snapshotter"` // Snapshotter for container filesystems.
	Timeout     time.Duration `yaml:"timeout"`     // Timeout for individual API calls.
}

// Settings applied to every role container.
type Role struct {
	Command    []string `yaml:"command"`     // Process arguments run in the container.
	Binds      []string `yaml:"binds"`       // Volume binds in "source:destination[:ro]" form.
	AutoRemove bool     `yaml:"auto_remove"` // Whether the engine removes containers once they exit.
	Platform   string   `yaml:"platform"`    // Target platform (e.g., "linux/amd64"). Empty uses the engine default.
}

// Shutdown behavior.
type Shutdown struct {
	Timeout      time.Duration `yaml:"timeout"`       // Time allowed for role containers to be removed.
	RemoveImages bool          `yaml:"remove_images"` // Whether images fetched by the daemon are deleted.
}

// Returns the default configuration.
func Default() Config {
	return Config{
		Backend: BackendDocker,
		Docker: Docker{
			Timeout: DefaultEngineTimeout,
		},
		Containerd: Containerd{
			Address:     DefaultContainerdAddress,
			Namespace:   DefaultContainerdNamespace,
			Snapshotter: DefaultSnapshotter,
			Timeout:     DefaultEngineTimeout,
		},
		Role: Role{
			Command:    []string{"sleep", "1000"},
			Binds:      []string{"colmena:/colmena"},
			AutoRemove: true,
		},
		Shutdown: Shutdown{
			Timeout:      DefaultShutdownTimeout,
			RemoveImages: true,
		},
	}
}

// Loads the configuration file at path on top of the defaults.
//
// A missing file yields the defaults. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Checks the configuration for values the daemon cannot use.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendDocker, BackendContainerd:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if len(c.Role.Command) == 0 {
		return fmt.Errorf("%w: role command must not be empty", ErrConfig)
	}

	if c.Role.Platform != "" {
		if _, err := platforms.Parse(c.Role.Platform); err != nil {
			return fmt.Errorf("%w: role platform: %w", ErrConfig, err)
		}
	}

	for _, b := range c.Role.Binds {
		if _, err := ParseBind(b); err != nil {
			return err
		}
	}

	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrConfig)
	}
	return nil
}
