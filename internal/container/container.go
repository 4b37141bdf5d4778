package container

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flordan/rolerunner/internal/image"
)

// Label recording the image reference a role container was created for.
const ImageLabel = "rolerunner.image"

// Engine operations applied to a container. Each call only issues the
// request; the outcome is reported back through the container's event
// methods.
type Driver interface {
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	DestroyContainer(ctx context.Context, id string) error
}

// Point-in-time description of a container.
type Info struct {
	ID    string `json:"id"`    // Engine container ID.
	Name  string `json:"name"`  // Engine container name.
	Image string `json:"image"` // Engine ID of the image the container was created from.
	State State  `json:"state"` // Lifecycle state.
}

// An engine container and its lifecycle state machine.
type Container struct {
	id      string       // Engine container ID.
	name    string       // Engine container name, without a leading slash.
	image   *image.Image // Image the container was created from. May be nil.
	driver  Driver       // Engine the container lives in.
	monitor *Manager     // Manager that requested the container, if any.

	mu      sync.Mutex
	state   State
	pending []action // FIFO of requested actions.
}

// Creates a container in the [Pending] state.
//
// The container is not registered anywhere until the engine reports it as
// created through [Container.Created].
func New(id, name string, img *image.Image, driver Driver, monitor *Manager) *Container {
	return &Container{
		id:      id,
		name:    strings.TrimPrefix(name, "/"),
		image:   img,
		driver:  driver,
		monitor: monitor,
		state:   Pending,
	}
}

func (c *Container) ID() string {
	return c.id
}

func (c *Container) Name() string {
	return c.name
}

// Returns the image the container was created from, or nil if the engine
// did not report a known image.
func (c *Container) Image() *image.Image {
	return c.image
}

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Returns a snapshot of the container.
func (c *Container) Info() Info {
	info := Info{ID: c.id, Name: c.name, State: c.State()}
	if c.image != nil {
		info.Image = c.image.ID()
	}
	return info
}

func (c *Container) String() string {
	if c.name != "" {
		return c.name
	}
	return c.id
}

// Reports that the engine created the container.
func (c *Container) Created(ctx context.Context) error {
	slog.Debug("container created", "container", c)

	c.mu.Lock()
	c.state = Created
	c.mu.Unlock()

	if c.monitor != nil {
		if err := c.monitor.Created(ctx, c); err != nil {
			return err
		}
	}
	return c.manageLifecycle(ctx)
}

// Requests the container to start.
func (c *Container) Start(ctx context.Context) error {
	return c.request(ctx, actionStart)
}

// Reports that the engine started the container.
func (c *Container) Started(ctx context.Context) error {
	slog.Debug("container started", "container", c)
	return c.transition(ctx, Running)
}

// Requests the container to stop.
func (c *Container) Stop(ctx context.Context) error {
	return c.request(ctx, actionStop)
}

// Reports that the container's process exited.
func (c *Container) Stopped(ctx context.Context) error {
	slog.Debug("container stopped", "container", c)
	return c.transition(ctx, Stopped)
}

// Requests the container to be removed. A running container is stopped
// first.
func (c *Container) Destroy(ctx context.Context) error {
	return c.request(ctx, actionDestroy)
}

// Reports that the engine removed the container.
func (c *Container) Destroyed(ctx context.Context) error {
	slog.Debug("container destroyed", "container", c)

	c.mu.Lock()
	c.state = Destroyed
	c.mu.Unlock()

	if c.image != nil {
		c.image.RemoveContainer(c.id)
	}
	if c.monitor != nil {
		c.monitor.Destroyed(c)
	}
	return c.manageLifecycle(ctx)
}

func (c *Container) request(ctx context.Context, a action) error {
	c.mu.Lock()
	c.pending = append(c.pending, a)
	c.mu.Unlock()
	return c.manageLifecycle(ctx)
}

func (c *Container) transition(ctx context.Context, s State) error {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	return c.manageLifecycle(ctx)
}

// Engine call selected by a transition.
type step struct {
	desc string                                     // Description used in errors.
	call func(ctx context.Context, id string) error // Driver method to invoke.
	from State                                      // State before the transition, restored on failure.
	to   State                                      // Transitional state entered by the transition.
}

// Applies queued actions while the state is settled.
//
// Each transition consumes one action. Transitions that need the engine
// leave the container in a transitional state and call the driver outside
// the lock; further actions wait for the engine to report the outcome. If
// the driver call fails, the previous state is restored.
func (c *Container) manageLifecycle(ctx context.Context) error {
	for {
		c.mu.Lock()
		s, more := c.next()
		c.mu.Unlock()

		if !more {
			return nil
		}
		if s == nil {
			continue
		}

		if err := s.call(ctx, c.id); err != nil {
			c.mu.Lock()
			if c.state == s.to {
				c.state = s.from
			}
			c.mu.Unlock()
			slog.Warn("container action failed", "container", c, "action", s.desc, "error", err)
			return fmt.Errorf("%w: %s %s: %w", ErrContainer, s.desc, c, err)
		}
	}
}

// Pops the next action and applies its state change. Must be called with
// c.mu held.
//
// Returns more=false when nothing can be applied yet. A nil step with
// more=true means the action was consumed without an engine call.
func (c *Container) next() (s *step, more bool) {
	if len(c.pending) == 0 || !c.state.settled() {
		return nil, false
	}

	a := c.pending[0]
	c.pending = c.pending[1:]
	from := c.state

	switch c.state {
	case Created:
		switch a {
		case actionStart:
			c.state = Starting
			return &step{desc: "start", call: c.driver.StartContainer, from: from, to: Starting}, true
		case actionStop:
			c.state = Stopped
		case actionDestroy:
			c.state = Destroying
			return &step{desc: "destroy", call: c.driver.DestroyContainer, from: from, to: Destroying}, true
		}

	case Running:
		switch a {
		case actionStop:
			c.state = Stopping
			return &step{desc: "stop", call: c.driver.StopContainer, from: from, to: Stopping}, true
		case actionDestroy:
			c.state = Stopping
			c.pending = append(c.pending, actionDestroy)
			return &step{desc: "stop", call: c.driver.StopContainer, from: from, to: Stopping}, true
		}

	case Stopped:
		if a == actionDestroy {
			c.state = Destroying
			return &step{desc: "destroy", call: c.driver.DestroyContainer, from: from, to: Destroying}, true
		}
	}

	return nil, true
}
