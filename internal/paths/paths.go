package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/flordan/rolerunner/internal"
)

const (

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/roled or /run/user/<uid>/roled
//	macOS:   ~/Library/Caches/roled/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, internal.Name)
	}
	return filepath.Join(xdg.CacheHome, internal.Name, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/roled/roled.sock
//	macOS:   ~/Library/Caches/roled/run/roled.sock
func Socket() string {
	return filepath.Join(Runtime(), internal.Name+".sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/roled/roled.pid
//	macOS:   ~/Library/Caches/roled/run/roled.pid
func PIDFile() string {
	return filepath.Join(Runtime(), internal.Name+".pid")
}

// Default path to the configuration file.
//
//	Linux:   $XDG_CONFIG_HOME/roled/config.yaml
//	macOS:   ~/Library/Application Support/roled/config.yaml
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, internal.Name, "config.yaml")
}

// Directory holding named volumes for engines that do not manage volumes
// themselves.
//
//	Linux:   $XDG_DATA_HOME/roled/volumes
//	macOS:   ~/Library/Application Support/roled/volumes
func Volumes() string {
	return filepath.Join(xdg.DataHome, internal.Name, "volumes")
}
