// Package inventory holds the engine-side view shared by the backends.
//
// Backends learn about images and containers from the engine's event stream
// and record them in an [Inventory]: images by engine ID, tags pointing at
// images, containers by ID, and the managers waiting on outstanding image
// and container requests. The inventory never calls back into managers or
// containers while holding its locks; backends do that after updating it.
package inventory
