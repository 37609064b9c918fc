// Package subscription tracks whether a source delivers frames on demand
// (pull) or on every update tick (push), and owns the registration that
// implements the active mode.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/framegrab/internal/frame"
)

// ErrClosed is returned by SetMode after Close.
var ErrClosed = errors.New("subscription closed")

// State is the delivery mode of a source.
type State int

const (
	None State = iota
	Pull
	Push
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Pull:
		return "pull"
	case Push:
		return "push"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Binder installs the host-side hooks for a state (an access hook for pull,
// the periodic delivery path for push) and returns the func that removes
// them. Bind is called with the controller lock held and must not block on
// a frame slot.
type Binder interface {
	Bind(state State) (unbind func())
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(state State) func()

func (f BinderFunc) Bind(state State) func() { return f(state) }

// Sink receives pushed frames.
type Sink func(ctx context.Context, f frame.Frame) error

// Controller is the none/pull/push state machine of one source. At most one
// target is registered at a time.
type Controller struct {
	binder Binder
	sink   Sink

	mu         sync.Mutex
	state      State
	targetID   string
	unbind     func()
	lastPushed uint64
	delivered  uint64
	closed     bool
}

// New returns a controller in the none state.
func New(binder Binder, sink Sink) *Controller {
	return &Controller{binder: binder, sink: sink}
}

// SetMode moves to push when push is true and to pull otherwise. Repeating
// the current mode is a no-op.
func (c *Controller) SetMode(push bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	next := Pull
	if push {
		next = Push
	}
	c.transition(next)
	return nil
}

// transition is the only place that changes state. Callers hold c.mu.
func (c *Controller) transition(next State) {
	if next == c.state {
		return
	}
	if c.unbind != nil {
		c.unbind()
		c.unbind = nil
	}
	c.targetID = ""
	c.state = next

	if next == None || c.binder == nil {
		return
	}
	c.unbind = c.binder.Bind(next)
	c.targetID = uuid.NewString()
}

// Deliver pushes f to the sink when the controller is in push state and f
// is newer than the last pushed frame. It reports whether f was delivered.
// The sink runs without the controller lock.
func (c *Controller) Deliver(ctx context.Context, f frame.Frame) (bool, error) {
	c.mu.Lock()
	if c.state != Push || f.Seq <= c.lastPushed || c.sink == nil {
		c.mu.Unlock()
		return false, nil
	}
	c.lastPushed = f.Seq
	c.delivered++
	sink := c.sink
	c.mu.Unlock()

	if err := sink(ctx, f); err != nil {
		return true, fmt.Errorf("push seq %d: %w", f.Seq, err)
	}
	return true, nil
}

// State returns the current mode.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TargetID identifies the current registration; empty in the none state.
func (c *Controller) TargetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetID
}

// LastPushed returns the sequence number of the last pushed frame.
func (c *Controller) LastPushed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPushed
}

// Delivered returns the number of frames pushed.
func (c *Controller) Delivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// Close removes the active registration. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transition(None)
	c.closed = true
}
