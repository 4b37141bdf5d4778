// Parses flags and runs the roled commands.
//
// The binary accepts the following global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//	-c, --config    Configuration file path.
//
// The start command runs the daemon in the foreground. Every other command
// except version is a client of a running daemon and talks to it over the
// socket.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity before
// the command runs.
package cli
