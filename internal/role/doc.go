// Package role runs containers ("roles") from images on request.
//
// A [Runner] sits on top of an engine [Backend]. Starting a role obtains
// the image (fetching it when it is not available locally) and then asks the
// engine for a container created from it; the container is started as soon
// as the engine reports it created. Both steps are asynchronous and driven
// by the backend's event stream.
//
// Example usage:
//
//	r := role.New(backend, role.Options{RemoveImages: true})
//	if err := r.Start(ctx); err != nil {
//	    return err
//	}
//	defer r.Close(context.Background())
//
//	if err := r.StartRole(ctx, image.New("ubuntu", "latest")); err != nil {
//	    return err
//	}
package role
