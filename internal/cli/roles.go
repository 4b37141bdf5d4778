package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/flordan/rolerunner/internal/client"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/protocol"
)

// Length of a full Docker container ID.
const dockerIDLength = 64

// Represents the 'roled run' command.
type RunCmd struct {
	Image string `arg:"" help:"Image reference (e.g. alpine:3.20)."`
}

// Asks the daemon to start a role. The image is fetched first if needed.
func (c *RunCmd) Run(ctx context.Context) error {
	return client.Call(ctx, socketPath(), protocol.CmdRoleStart, &protocol.ImageRequest{Image: c.Image}, nil)
}

// Represents the 'roled roles' command.
type RolesCmd struct{}

// Prints the roles as a table.
func (c *RolesCmd) Run(ctx context.Context) error {
	var res protocol.RolesResult
	if err := client.Call(ctx, socketPath(), protocol.CmdRoleList, nil, &res); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIMAGE\tSTATE")
	for _, r := range res.Roles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(r.ID), r.Name, image.ShortID(r.Image), r.State)
	}
	return w.Flush()
}

// Represents the 'roled stop' command.
type StopCmd struct {
	Role string `arg:"" help:"Role container ID, ID prefix, or name."`
}

// Asks the daemon to stop a role.
func (c *StopCmd) Run(ctx context.Context) error {
	return client.Call(ctx, socketPath(), protocol.CmdRoleStop, &protocol.RoleRequest{Role: c.Role}, nil)
}

// Represents the 'roled rm' command.
type RmCmd struct {
	Role string `arg:"" help:"Role container ID, ID prefix, or name."`
}

// Asks the daemon to remove a role, stopping it first if it runs.
func (c *RmCmd) Run(ctx context.Context) error {
	return client.Call(ctx, socketPath(), protocol.CmdRoleDestroy, &protocol.RoleRequest{Role: c.Role}, nil)
}

// Represents the 'roled state' command.
type StateCmd struct{}

// Prints every engine image with its tags and containers.
func (c *StateCmd) Run(ctx context.Context) error {
	var res protocol.StateResult
	if err := client.Call(ctx, socketPath(), protocol.CmdState, nil, &res); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, img := range res.Images {
		fmt.Fprintf(w, "%s\t%v\n", image.ShortID(img.ID), img.Tags)
		for _, r := range img.Containers {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", shortID(r.ID), r.Name, r.State)
		}
	}
	return w.Flush()
}

// Represents the 'roled status' command.
type StatusCmd struct{}

// Prints daemon status.
func (c *StatusCmd) Run(ctx context.Context) error {
	var res protocol.StatusResult
	if err := client.Call(ctx, socketPath(), protocol.CmdStatus, nil, &res); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "version\t%s\n", res.Version)
	fmt.Fprintf(w, "pid\t%d\n", res.Pid)
	fmt.Fprintf(w, "uptime\t%s\n", res.Uptime)
	fmt.Fprintf(w, "backend\t%s\n", res.Backend)
	fmt.Fprintf(w, "roles\t%d\n", res.Roles)
	return w.Flush()
}

// Represents the 'roled shutdown' command.
type ShutdownCmd struct{}

// Asks the daemon to remove its roles and exit.
func (c *ShutdownCmd) Run(ctx context.Context) error {
	return client.Call(ctx, socketPath(), protocol.CmdShutdown, nil, nil)
}

// Abbreviates a Docker container ID. Other IDs are returned unchanged.
func shortID(id string) string {
	if len(id) == dockerIDLength {
		return id[:12]
	}
	return id
}
