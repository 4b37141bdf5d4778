package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/flordan/rolerunner/internal/image"
	"golang.org/x/sync/errgroup"
)

// Maximum number of destroy requests issued concurrently by [Manager.Clear].
const clearConcurrency = 8

// Creates containers in the engine.
//
// Creation is reported asynchronously: the engine's create event must end up
// calling [Container.Created] on a container whose monitor is the requester.
type Creator interface {
	CreateContainer(ctx context.Context, img *image.Image, requester *Manager) error
}

// Tracks the containers created on its request.
type Manager struct {
	creator   Creator // Engine used to create containers.
	autoStart bool    // Whether registered containers are started right away.

	mu         sync.Mutex
	containers map[string]*Container // Registered containers by ID.
	creating   int                   // Create requests whose create event has not arrived.
	clearing   bool                  // Set once Clear has begun.
	failed     map[string]error      // Containers registered during Clear whose destroy failed.
	changed    chan struct{}         // Closed and replaced whenever containers or creates change.
}

// Creates a manager. With autoStart set, every container is started as soon
// as the engine reports it created.
func NewManager(creator Creator, autoStart bool) *Manager {
	return &Manager{
		creator:    creator,
		autoStart:  autoStart,
		containers: make(map[string]*Container),
		failed:     make(map[string]error),
		changed:    make(chan struct{}),
	}
}

// Asks the engine for a new container created from img.
//
// The request counts as outstanding until the engine reports the container
// created. Once [Manager.Clear] has begun, new requests are refused.
func (m *Manager) StartRole(ctx context.Context, img *image.Image) error {
	m.mu.Lock()
	if m.clearing {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClearing, img.ShortID())
	}
	m.creating++
	m.mu.Unlock()

	slog.Info("creating container", "image", img.ShortID(), "tags", img.Tags())
	if err := m.creator.CreateContainer(ctx, img, m); err != nil {
		m.mu.Lock()
		m.creating--
		m.notify()
		m.mu.Unlock()
		return err
	}
	return nil
}

// Registers a container reported as created by the engine.
//
// A container that arrives while [Manager.Clear] runs is destroyed instead
// of started.
func (m *Manager) Created(ctx context.Context, c *Container) error {
	m.mu.Lock()
	m.containers[c.ID()] = c
	if m.creating > 0 {
		m.creating--
	}
	clearing := m.clearing
	m.notify()
	m.mu.Unlock()

	slog.Info("registered container", "container", c, "id", c.ID())

	if clearing {
		slog.Info("destroying container created during shutdown", "container", c)
		if err := c.Destroy(ctx); err != nil {
			m.mu.Lock()
			m.failed[c.ID()] = err
			m.notify()
			m.mu.Unlock()
			return err
		}
		return nil
	}

	if m.autoStart {
		return c.Start(ctx)
	}
	return nil
}

// Unregisters a container reported as removed by the engine.
func (m *Manager) Destroyed(c *Container) {
	m.mu.Lock()
	delete(m.containers, c.ID())
	m.notify()
	m.mu.Unlock()

	slog.Info("destroyed container", "container", c, "id", c.ID())
}

// Looks up a registered container by ID, name, or unambiguous ID prefix.
func (m *Manager) Get(ref string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.containers[ref]; ok {
		return c, nil
	}

	name := strings.TrimPrefix(ref, "/")
	for _, c := range m.containers {
		if c.Name() == name {
			return c, nil
		}
	}

	var match *Container
	for id, c := range m.containers {
		if ref != "" && strings.HasPrefix(id, ref) {
			if match != nil {
				return nil, fmt.Errorf("%w: %q is ambiguous", ErrNotFound, ref)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	return match, nil
}

// Returns the registered containers ordered by ID.
func (m *Manager) List() []*Container {
	m.mu.Lock()
	list := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		list = append(list, c)
	}
	m.mu.Unlock()

	slices.SortFunc(list, func(a, b *Container) int { return strings.Compare(a.ID(), b.ID()) })
	return list
}

// Wakes goroutines waiting in Clear. Must be called with m.mu held.
func (m *Manager) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Destroys every registered container and waits until the engine has
// removed them.
//
// Creates still outstanding are waited for as well; their containers are
// destroyed as soon as the engine reports them. Containers whose destroy
// request fails are not waited for; their errors are returned together once
// the rest are gone. If ctx ends first, the context error is returned.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.clearing = true
	m.mu.Unlock()

	list := m.List()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		errs   []error
		failed = make(map[string]struct{})
	)
	g.SetLimit(clearConcurrency)

	for _, c := range list {
		g.Go(func() error {
			if err := c.Destroy(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				failed[c.ID()] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("waiting for all containers to be removed", "count", len(list)-len(failed))

	for {
		m.mu.Lock()
		remaining := 0
		for id := range m.containers {
			_, destroyFailed := failed[id]
			_, lateFailed := m.failed[id]
			if !destroyFailed && !lateFailed {
				remaining++
			}
		}
		creating := m.creating
		changed := m.changed
		m.mu.Unlock()

		if remaining == 0 && creating == 0 {
			return errors.Join(append(errs, m.lateErrors()...)...)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Join(append(errs, fmt.Errorf("%w: %d containers still present, %d creates outstanding: %w", ErrContainer, remaining, creating, ctx.Err()))...)
		}
	}
}

// Returns the destroy errors of containers that arrived during Clear.
func (m *Manager) lateErrors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := make([]error, 0, len(m.failed))
	for _, err := range m.failed {
		errs = append(errs, err)
	}
	return errs
}
