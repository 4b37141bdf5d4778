package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/flordan/rolerunner/internal"
)

// Represents the 'roled version' command.
type VersionCmd struct {
	Detail bool `short:"D" help:"Show every build field."`
}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	if !c.Detail {
		fmt.Println(internal.VersionString())
		return nil
	}

	b := internal.Build()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "version\t%s\n", b.Version)
	fmt.Fprintf(w, "stage\t%s\n", b.Stage)
	fmt.Fprintf(w, "commit\t%s\n", b.Commit)
	fmt.Fprintf(w, "modified\t%t\n", b.Modified)
	fmt.Fprintf(w, "arch\t%s\n", b.Arch)
	fmt.Fprintf(w, "go\t%s\n", b.GoVersion)
	return w.Flush()
}
