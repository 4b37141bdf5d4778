package cli

import (
	"context"
	"fmt"

	"github.com/flordan/rolerunner/internal/client"
	"github.com/flordan/rolerunner/internal/protocol"
)

// Represents the 'roled images' command.
type ImagesCmd struct{}

// Prints every image tag available in the engine, one per line.
func (c *ImagesCmd) Run(ctx context.Context) error {
	var res protocol.ImagesResult
	if err := client.Call(ctx, socketPath(), protocol.CmdImages, nil, &res); err != nil {
		return err
	}
	for _, img := range res.Images {
		fmt.Println(img)
	}
	return nil
}

// Represents the 'roled available' command.
type AvailableCmd struct {
	Image string `arg:"" help:"Image reference (e.g. alpine:3.20)."`
}

// Prints whether the image is available. Exits with an error when it is not.
func (c *AvailableCmd) Run(ctx context.Context) error {
	var res protocol.AvailableResult
	if err := client.Call(ctx, socketPath(), protocol.CmdImageAvailable, &protocol.ImageRequest{Image: c.Image}, &res); err != nil {
		return err
	}
	if !res.Available {
		return fmt.Errorf("%w: %s", errUnavailable, res.Image)
	}
	fmt.Println(res.Image, "is available")
	return nil
}

// Represents the 'roled fetch' command.
type FetchCmd struct {
	Image string `arg:"" help:"Image reference (e.g. alpine:3.20)."`
}

// Asks the daemon to fetch an image. The fetch continues in the background.
func (c *FetchCmd) Run(ctx context.Context) error {
	return client.Call(ctx, socketPath(), protocol.CmdImageFetch, &protocol.ImageRequest{Image: c.Image}, nil)
}
