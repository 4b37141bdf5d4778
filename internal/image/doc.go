// Package image tracks container images known to the role runner.
//
// An [Identifier] names an image as a registry, repository, and tag. An
// [Image] is a single engine image (addressed by its content digest) that may
// carry several tags and back several containers. A [Manager] coordinates
// asynchronous image fetches: callers ask for an image by identifier and are
// called back once the engine reports that an image carrying that tag has
// arrived.
//
// Example usage:
//
//	m := image.NewManager(backend)
//	m.ObtainImage(ctx, image.New("ubuntu", ""), func(img *image.Image, err error) {
//	    if err != nil {
//	        slog.Error("fetch failed", "error", err)
//	        return
//	    }
//	    slog.Info("image ready", "id", img.ShortID())
//	})
package image
