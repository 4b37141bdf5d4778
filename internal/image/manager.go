package image

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Maximum number of image deletions issued concurrently by [Manager.Clear].
const clearConcurrency = 4

// Engine operations the manager relies on.
type Handler interface {

	// Returns the locally available image carrying the tag, or nil.
	Image(id Identifier) *Image

	// Starts fetching the image asynchronously. Completion is reported by
	// calling [Manager.Fetched] or [Manager.FetchFailed] on the requester.
	RequestImage(ctx context.Context, id Identifier, requester *Manager) error
}

// Called once an obtained image is available, or with the error that
// prevented it from arriving.
type ObtainFunc func(img *Image, err error)

// Coordinates image fetches and remembers the images it fetched.
//
// Callers waiting on the same identifier share a single fetch. Callbacks are
// never invoked while the manager's lock is held, so they may call back into
// the manager.
type Manager struct {
	handler Handler

	mu       sync.Mutex
	pending  map[Identifier][]ObtainFunc // Callbacks waiting on each identifier.
	inflight map[Identifier]bool         // Identifiers with a fetch in progress.
	images   []*fetch                    // Images fetched through this manager.
}

// An image fetched through a manager and the tags it was fetched as.
type fetch struct {
	img  *Image
	tags []Identifier
}

// Creates a manager backed by the given handler.
func NewManager(handler Handler) *Manager {
	return &Manager{
		handler:  handler,
		pending:  make(map[Identifier][]ObtainFunc),
		inflight: make(map[Identifier]bool),
	}
}

// Returns true if an image carrying the tag is available locally.
func (m *Manager) IsImageAvailable(id Identifier) bool {
	return m.handler.Image(id) != nil
}

// Makes the image available and calls cb with it.
//
// If the image is already present, cb runs before ObtainImage returns.
// Otherwise cb is queued and a fetch is requested, unless one is already in
// flight for the same identifier. A nil cb fetches the image without
// notification.
func (m *Manager) ObtainImage(ctx context.Context, id Identifier, cb ObtainFunc) {
	slog.Debug("obtaining image", "image", id)

	m.mu.Lock()
	if img := m.handler.Image(id); img != nil {
		m.mu.Unlock()
		slog.Debug("image already present", "image", id, "id", img.ShortID())
		if cb != nil {
			cb(img, nil)
		}
		return
	}

	if cb != nil {
		m.pending[id] = append(m.pending[id], cb)
	}
	if m.inflight[id] {
		m.mu.Unlock()
		slog.Debug("image fetch already in flight", "image", id)
		return
	}
	m.inflight[id] = true
	m.mu.Unlock()

	slog.Info("requesting image", "image", id)
	if err := m.handler.RequestImage(ctx, id, m); err != nil {
		m.FetchFailed(id, err)
	}
}

// Records a fetched image and runs the callbacks waiting on any of its tags.
//
// Only the tags this manager requested are recorded as fetched; other tags
// the image carries are not the manager's to remove.
func (m *Manager) Fetched(img *Image) {
	tags := img.Tags()
	slog.Info("image fetched", "id", img.ShortID(), "tags", tags)

	m.mu.Lock()
	f := m.record(img)
	var cbs []ObtainFunc
	for _, tag := range tags {
		if m.inflight[tag] && !slices.Contains(f.tags, tag) {
			f.tags = append(f.tags, tag)
		}
		cbs = append(cbs, m.pending[tag]...)
		delete(m.pending, tag)
		delete(m.inflight, tag)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(img, nil)
	}
}

// Fails every callback waiting on the identifier.
func (m *Manager) FetchFailed(id Identifier, err error) {
	slog.Error("image fetch failed", "image", id, "error", err)

	m.mu.Lock()
	cbs := m.pending[id]
	delete(m.pending, id)
	delete(m.inflight, id)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(nil, err)
	}
}

// Returns the record of a fetched image, adding one if needed. Must be
// called with m.mu held.
func (m *Manager) record(img *Image) *fetch {
	for _, f := range m.images {
		if f.img == img {
			return f
		}
	}
	f := &fetch{img: img}
	m.images = append(m.images, f)
	return f
}

// Forgets an image that was removed from the engine.
func (m *Manager) Deleted(img *Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = slices.DeleteFunc(m.images, func(f *fetch) bool { return f.img == img })
}

// Returns the images fetched through this manager.
func (m *Manager) Images() []*Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	imgs := make([]*Image, 0, len(m.images))
	for _, f := range m.images {
		imgs = append(imgs, f.img)
	}
	return imgs
}

// Returns the tags each image was fetched as.
func (m *Manager) fetches() []fetch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fetch, 0, len(m.images))
	for _, f := range m.images {
		out = append(out, fetch{img: f.img, tags: slices.Clone(f.tags)})
	}
	return out
}

// Removes the tags this manager fetched.
//
// Images are only removed from the engine when none of their other tags
// remain. Deletions run concurrently. All failures are reported together.
func (m *Manager) Clear(ctx context.Context) error {
	fetched := m.fetches()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(clearConcurrency)

	for _, f := range fetched {
		g.Go(func() error {
			slog.Debug("deleting image", "id", f.img.ShortID(), "tags", f.tags)
			if err := f.img.Delete(ctx, f.tags); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}
