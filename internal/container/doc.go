// Package container drives the lifecycle of engine containers.
//
// A [Container] is a state machine fed from two directions: requests (start,
// stop, destroy) are queued as actions, and engine notifications (created,
// started, stopped, destroyed) move the state forward. Whenever the state
// settles, the next queued action is applied, possibly calling into the
// engine through a [Driver]. Actions that cannot be applied in the current
// state wait until the engine reports the next transition.
//
// A [Manager] tracks the containers started on request of the role runner
// and can tear all of them down on shutdown.
package container
