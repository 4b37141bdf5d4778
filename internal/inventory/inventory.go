package inventory

import (
	"slices"
	"strings"
	"sync"

	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
)

// Image with its tags and containers, as reported by [Inventory.Snapshot].
type ImageState struct {
	ID         string           `json:"id"`
	Tags       []string         `json:"tags"`
	Containers []container.Info `json:"containers"`
}

// Engine state tracked by a backend.
type Inventory struct {
	mu         sync.Mutex
	images     map[string]*image.Image           // Images by engine ID.
	tags       map[image.Identifier]*image.Image // Image currently carrying each tag.
	containers map[string]*container.Container   // Containers by engine ID.

	// Held across container creation so that the engine's create event
	// cannot be handled before the requester is recorded.
	reqMu      sync.Mutex
	imageReqs  map[image.Identifier]*image.Manager
	createReqs map[string]*container.Manager
}

// Creates an empty inventory.
func New() *Inventory {
	return &Inventory{
		images:     make(map[string]*image.Image),
		tags:       make(map[image.Identifier]*image.Image),
		containers: make(map[string]*container.Container),
		imageReqs:  make(map[image.Identifier]*image.Manager),
		createReqs: make(map[string]*container.Manager),
	}
}

// Returns the image carrying the tag, or nil.
func (inv *Inventory) Image(id image.Identifier) *image.Image {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.tags[id]
}

// Returns the image with the given engine ID, or nil.
func (inv *Inventory) ImageByID(id string) *image.Image {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.images[id]
}

// Returns every known tag, sorted.
func (inv *Inventory) Tags() []image.Identifier {
	inv.mu.Lock()
	ids := make([]image.Identifier, 0, len(inv.tags))
	for id := range inv.tags {
		ids = append(ids, id)
	}
	inv.mu.Unlock()

	image.Sort(ids)
	return ids
}

// Points a tag at the image with the given engine ID.
//
// The image is created with newImage if it is not known yet. The tag is
// moved away from any image that carried it before. Returns the tagged image.
func (inv *Inventory) Tag(tag image.Identifier, imageID string, newImage func() *image.Image) *image.Image {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	img := inv.images[imageID]
	if img == nil {
		img = newImage()
		inv.images[imageID] = img
	}

	if old := inv.tags[tag]; old != nil && old != img {
		old.RemoveTag(tag)
	}
	img.AddTag(tag)
	inv.tags[tag] = img

	return img
}

// Adds an image without tags, or returns the existing one.
func (inv *Inventory) AddImage(imageID string, newImage func() *image.Image) *image.Image {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	img := inv.images[imageID]
	if img == nil {
		img = newImage()
		inv.images[imageID] = img
	}
	return img
}

// Removes a tag. When the image it pointed at has no tags left and
// dropEmpty is set, the image is removed as well and returned.
func (inv *Inventory) Untag(tag image.Identifier, dropEmpty bool) (dropped *image.Image) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	img := inv.tags[tag]
	if img == nil {
		return nil
	}
	delete(inv.tags, tag)
	img.RemoveTag(tag)

	if dropEmpty && len(img.Tags()) == 0 {
		delete(inv.images, img.ID())
		return img
	}
	return nil
}

// Removes an image and every tag pointing at it. Returns the removed image,
// or nil if it was unknown.
func (inv *Inventory) RemoveImage(imageID string) *image.Image {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	img := inv.images[imageID]
	if img == nil {
		return nil
	}
	delete(inv.images, imageID)
	for _, tag := range img.Tags() {
		if inv.tags[tag] == img {
			delete(inv.tags, tag)
		}
	}
	return img
}

// Records the manager waiting for a tag to be fetched.
func (inv *Inventory) ExpectImage(tag image.Identifier, requester *image.Manager) {
	inv.reqMu.Lock()
	defer inv.reqMu.Unlock()
	inv.imageReqs[tag] = requester
}

// Removes and returns the manager waiting for a tag, if any.
func (inv *Inventory) ClaimImage(tag image.Identifier) *image.Manager {
	inv.reqMu.Lock()
	defer inv.reqMu.Unlock()
	m := inv.imageReqs[tag]
	delete(inv.imageReqs, tag)
	return m
}

// Returns true if a fetch of the tag is outstanding.
func (inv *Inventory) ImageExpected(tag image.Identifier) bool {
	inv.reqMu.Lock()
	defer inv.reqMu.Unlock()
	_, ok := inv.imageReqs[tag]
	return ok
}

// Runs create and records requester under the returned container ID.
//
// The request lock is held while create runs, so [Inventory.ClaimContainer]
// called from the engine's create event blocks until the ID is recorded.
func (inv *Inventory) Create(requester *container.Manager, create func() (string, error)) (string, error) {
	inv.reqMu.Lock()
	defer inv.reqMu.Unlock()

	id, err := create()
	if err != nil {
		return "", err
	}
	inv.createReqs[id] = requester
	return id, nil
}

// Removes and returns the manager that requested a container, if any.
func (inv *Inventory) ClaimContainer(id string) *container.Manager {
	inv.reqMu.Lock()
	defer inv.reqMu.Unlock()
	m := inv.createReqs[id]
	delete(inv.createReqs, id)
	return m
}

// Records a container. Returns false if one with the same ID is already
// known.
func (inv *Inventory) AddContainer(c *container.Container) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.containers[c.ID()]; ok {
		return false
	}
	inv.containers[c.ID()] = c
	return true
}

// Returns the container with the given ID, or nil.
func (inv *Inventory) Container(id string) *container.Container {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.containers[id]
}

// Removes and returns the container with the given ID, or nil.
func (inv *Inventory) RemoveContainer(id string) *container.Container {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c := inv.containers[id]
	delete(inv.containers, id)
	return c
}

// Returns every image with its tags and containers, ordered by image ID.
func (inv *Inventory) Snapshot() []ImageState {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	states := make([]ImageState, 0, len(inv.images))
	for id, img := range inv.images {
		st := ImageState{ID: id, Tags: []string{}, Containers: []container.Info{}}
		for _, tag := range img.Tags() {
			st.Tags = append(st.Tags, tag.String())
		}
		for _, cid := range img.Containers() {
			if c := inv.containers[cid]; c != nil {
				st.Containers = append(st.Containers, c.Info())
			}
		}
		states = append(states, st)
	}

	slices.SortFunc(states, func(a, b ImageState) int { return strings.Compare(a.ID, b.ID) })
	return states
}
