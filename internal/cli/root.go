package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/flordan/rolerunner/internal"
	"github.com/flordan/rolerunner/internal/paths"
)

// Represents the root command for roled.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Socket  string `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`
	Config  string `short:"c" help:"Override the default configuration file." placeholder:"PATH" type:"path"`

	Start     StartCmd     `cmd:"" help:"Start the daemon."`
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Images    ImagesCmd    `cmd:"" help:"List the images available in the engine."`
	Available AvailableCmd `cmd:"" help:"Report whether an image is available."`
	Fetch     FetchCmd     `cmd:"" help:"Fetch an image into the engine."`
	Run       RunCmd       `cmd:"" help:"Start a role from an image."`
	Roles     RolesCmd     `cmd:"" help:"List the roles."`
	Stop      StopCmd      `cmd:"" help:"Stop a role."`
	Rm        RmCmd        `cmd:"" help:"Remove a role."`
	State     StateCmd     `cmd:"" help:"Show the engine's images and containers."`
	Status    StatusCmd    `cmd:"" help:"Show daemon status."`
	Shutdown  ShutdownCmd  `cmd:"" help:"Stop the daemon."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("The role runner daemon.\n\nStarts role containers from images on Docker or containerd and serves commands on a Unix domain socket."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	slog.SetDefault(NewLogger(os.Stderr))
}

// Creates the daemon logger writing to f.
//
// Terminals get a text handler and anything else gets JSON. Verbose mode adds
// source locations. The level follows [internal.LogLevel].
func NewLogger(f *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     internal.LogLevel(),
		AddSource: internal.IsVerbose(),
	}

	var handler slog.Handler
	if isatty(f) {
		handler = slog.NewTextHandler(f, opts)
	} else {
		handler = slog.NewJSONHandler(f, opts)
	}
	return slog.New(handler.WithGroup(internal.Name))
}

// Returns the socket path selected by flags.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}

// Returns the configuration file path selected by flags.
func configPath() string {
	if RootCmd.Config != "" {
		return RootCmd.Config
	}
	return paths.ConfigFile()
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
