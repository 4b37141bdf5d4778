package image

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Length of the abbreviated image ID.
const shortIDLength = 12

// Removes image references from the engine that owns them.
//
// Only the given tags are removed. The engine drops the image itself once
// no reference to it remains.
type Remover interface {
	RemoveImage(ctx context.Context, img *Image, tags []Identifier) error
}

// A single engine image.
//
// The image is addressed by the engine's ID, which is normally a content
// digest. Tags and containers are tracked as sets and are safe for
// concurrent use.
type Image struct {
	id      string   // Engine image ID (e.g., "sha256:...").
	remover Remover  // Backend used by Delete.
	monitor *Manager // Manager that requested the image, if any.

	mu         sync.Mutex
	tags       map[Identifier]struct{}
	containers map[string]struct{}
}

// Creates an image with the given engine ID.
//
// The monitor may be nil for images that were already present in the engine
// rather than fetched on request.
func NewImage(id string, remover Remover, monitor *Manager) *Image {
	return &Image{
		id:         id,
		remover:    remover,
		monitor:    monitor,
		tags:       make(map[Identifier]struct{}),
		containers: make(map[string]struct{}),
	}
}

// Returns the engine image ID.
func (img *Image) ID() string {
	return img.id
}

// Returns the abbreviated image ID.
func (img *Image) ShortID() string {
	return ShortID(img.id)
}

// Abbreviates an engine image ID.
//
// Digests are reduced to the first 12 characters of their encoded part.
// Anything that does not parse as a digest is returned unchanged.
func ShortID(id string) string {
	d, err := digest.Parse(id)
	if err != nil {
		return id
	}
	enc := d.Encoded()
	if len(enc) > shortIDLength {
		return enc[:shortIDLength]
	}
	return enc
}

// Sets the manager notified by [Image.Fetched] and [Image.Deleted] when the
// image does not have one yet.
func (img *Image) Adopt(m *Manager) {
	if m == nil {
		return
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.monitor == nil {
		img.monitor = m
	}
}

func (img *Image) manager() *Manager {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.monitor
}

func (img *Image) AddTag(id Identifier) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.tags[id] = struct{}{}
}

func (img *Image) RemoveTag(id Identifier) {
	img.mu.Lock()
	defer img.mu.Unlock()
	delete(img.tags, id)
}

func (img *Image) HasTag(id Identifier) bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	_, ok := img.tags[id]
	return ok
}

// Returns the image's tags in sorted order.
func (img *Image) Tags() []Identifier {
	img.mu.Lock()
	tags := make([]Identifier, 0, len(img.tags))
	for t := range img.tags {
		tags = append(tags, t)
	}
	img.mu.Unlock()

	Sort(tags)
	return tags
}

func (img *Image) AddContainer(id string) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.containers[id] = struct{}{}
}

func (img *Image) RemoveContainer(id string) {
	img.mu.Lock()
	defer img.mu.Unlock()
	delete(img.containers, id)
}

// Returns the IDs of containers created from the image, sorted.
func (img *Image) Containers() []string {
	img.mu.Lock()
	ids := make([]string, 0, len(img.containers))
	for id := range img.containers {
		ids = append(ids, id)
	}
	img.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Reports that the image has arrived in the engine.
func (img *Image) Fetched() {
	if m := img.manager(); m != nil {
		m.Fetched(img)
	}
}

// Reports that the image has been removed from the engine.
func (img *Image) Deleted() {
	if m := img.manager(); m != nil {
		m.Deleted(img)
	}
}

// Asks the engine to remove the given tags of the image.
//
// Tags the image carries for other reasons are left alone, so the image
// survives while any of them remain. Removal is confirmed asynchronously
// through [Image.Deleted].
func (img *Image) Delete(ctx context.Context, tags []Identifier) error {
	if img.remover == nil {
		return fmt.Errorf("%w: %s", ErrNoRemover, img.ShortID())
	}
	if len(tags) == 0 {
		return nil
	}
	return img.remover.RemoveImage(ctx, img, tags)
}
