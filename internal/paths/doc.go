// Resolves where roled keeps its files.
//
// The socket and PID file live in the XDG runtime directory, the
// configuration file in the XDG config directory, and containerd volume
// directories in the XDG data directory. On macOS the platform-native
// locations returned by xdg are used. Every path ends in a "roled"
// subdirectory.
package paths
