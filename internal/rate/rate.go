// Package rate converts a target frame rate into the polling period of a
// host object.
package rate

import (
	"math"
	"sync"
	"time"
)

// Scheduler receives the update period. A period <= 0 disables periodic
// callbacks. Implementations apply a new period at their next tick.
type Scheduler interface {
	SetUpdatePeriod(d time.Duration)
}

// Period returns the callback period for fps, or 0 when fps <= 0 or NaN.
// Any positive fps yields a positive period, clamped to 1ns..MaxInt64.
func Period(fps float64) time.Duration {
	if !(fps > 0) {
		return 0
	}
	p := float64(time.Second) / fps
	switch {
	case p >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	case p < 1:
		return time.Nanosecond
	}
	return time.Duration(p)
}

// Controller tracks the requested fps of one object and forwards the
// derived period to its scheduler.
type Controller struct {
	mu    sync.Mutex
	sched Scheduler
	fps   float64
}

// New creates a controller with polling disabled.
func New(sched Scheduler) *Controller {
	return &Controller{sched: sched}
}

// Set updates the target fps and returns the resulting period.
func (c *Controller) Set(fps float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fps < 0 {
		fps = 0
	}
	c.fps = fps
	p := Period(fps)
	if c.sched != nil {
		c.sched.SetUpdatePeriod(p)
	}
	return p
}

// FPS returns the current target frame rate (0 when disabled).
func (c *Controller) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// Period returns the current callback period (0 when disabled).
func (c *Controller) Period() time.Duration {
	return Period(c.FPS())
}

// Meter measures a rate from event timestamps as an exponentially smoothed
// average, the way processing stages report their achieved fps.
type Meter struct {
	mu   sync.Mutex
	last time.Time
	fps  float64
}

// Mark records one event at t and returns the updated estimate.
func (m *Meter) Mark(t time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.last.IsZero() {
		if dt := t.Sub(m.last); dt > 0 {
			inst := float64(time.Second) / float64(dt)
			if m.fps == 0 {
				m.fps = inst
			} else {
				m.fps = 0.8*m.fps + 0.2*inst
			}
		}
	}
	m.last = t
	return m.fps
}

// Rate returns the current estimate.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}
