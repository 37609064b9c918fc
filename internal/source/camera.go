// Package source publishes a capture device as a host object. A Camera
// owns the frame slot, the capture loop and the orientation, rate and
// subscription controllers, and exposes them as vars.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/device"
	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/orientation"
	"github.com/bryanchriswhite/framegrab/internal/rate"
	"github.com/bryanchriswhite/framegrab/internal/subscription"
)

// Var names published by a Camera.
const (
	VarImage       = "image"
	VarWidth       = "width"
	VarHeight      = "height"
	VarFPS         = "fps"
	VarOrientation = "orientation"
	VarSubscribe   = "subscribe"
	VarGrabbed     = "grabbed"
	VarSkipped     = "skipped"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("source closed")

// Options configures a Camera.
type Options struct {
	Name        string
	URI         string
	FPS         float64
	Orientation int
	Subscribe   bool
	Backoff     time.Duration
}

// Stats is a diagnostic snapshot of a Camera.
type Stats struct {
	capture.Stats
	GrabbedSeq   uint64 `json:"grabbed_seq"`
	DeliveredSeq uint64 `json:"delivered_seq"`
	AccessedSeq  uint64 `json:"accessed_seq"`
	Pushed       uint64 `json:"pushed"`
	Mode         string `json:"mode"`
	Target       string `json:"target,omitempty"`
}

// Camera is one image source bound to a host object.
type Camera struct {
	name string
	host *host.Host
	obj  *host.Object
	log  *zerolog.Logger

	devW, devH int

	slot   *frame.Slot
	loop   *capture.Loop
	orient orientation.Stage
	rate   *rate.Controller
	sub    *subscription.Controller

	image       *host.Var
	width       *host.Var
	height      *host.Var
	fps         *host.Var
	orientation *host.Var
	subscribe   *host.Var
	grabbed     *host.Var
	skipped     *host.Var

	unregister []func()

	// cfgMu serializes the configuration hooks.
	cfgMu sync.Mutex

	// accessedSeq is written under mu and read without it by Stats, which
	// must not wait behind a Get blocked on the slot.
	accessedSeq atomic.Uint64

	// mu serializes Get and guards the fields below.
	mu     sync.Mutex
	cached frame.Frame
	closed bool

	closeOnce sync.Once
}

// Open opens the device named by opts.URI and starts capturing from it.
// A device that cannot be opened is reported as an error wrapping
// device.ErrOpen.
func Open(ctx context.Context, h *host.Host, opts Options) (*Camera, error) {
	if _, err := orientation.Parse(opts.Orientation); err != nil {
		return nil, err
	}
	dev, err := device.Open(ctx, opts.URI)
	if err != nil {
		return nil, err
	}
	return New(ctx, h, dev, opts)
}

// New publishes an already opened device. The camera owns dev from here on
// and closes it on Close, or before returning an error.
func New(ctx context.Context, h *host.Host, dev device.Device, opts Options) (*Camera, error) {
	if opts.Name == "" {
		opts.Name = "camera"
	}
	if _, err := orientation.Parse(opts.Orientation); err != nil {
		dev.Close()
		return nil, err
	}

	obj, err := h.NewObject(opts.Name)
	if err != nil {
		dev.Close()
		return nil, err
	}

	c := &Camera{
		name: opts.Name,
		host: h,
		obj:  obj,
		log:  logger.WithObject("source", opts.Name),
		slot: frame.NewSlot(),
	}
	c.devW, c.devH = dev.Size()
	c.orient.Set(opts.Orientation)
	c.rate = rate.New(obj)
	c.sub = subscription.New(subscription.BinderFunc(c.bind), c.push)

	if err := c.declareVars(opts); err != nil {
		h.RemoveObject(opts.Name)
		dev.Close()
		return nil, err
	}

	c.loop = capture.New(dev, c.slot, capture.Options{
		Backoff:     opts.Backoff,
		Orientation: &c.orient,
		Name:        opts.Name,
	})
	c.loop.Start(context.WithoutCancel(ctx))

	c.rate.Set(opts.FPS)
	c.sub.SetMode(opts.Subscribe)

	c.unregister = append(c.unregister,
		c.fps.NotifyChange(c.onFPS),
		c.orientation.NotifyChange(c.onOrientation),
		c.subscribe.NotifyChange(c.onSubscribe),
		c.grabbed.NotifyAccess(c.refreshStats),
		c.skipped.NotifyAccess(c.refreshStats),
	)

	c.log.Info().
		Int("width", c.devW).
		Int("height", c.devH).
		Float64("fps", opts.FPS).
		Int("orientation", opts.Orientation).
		Bool("subscribe", opts.Subscribe).
		Msg("Source opened")
	return c, nil
}

func (c *Camera) declareVars(opts Options) error {
	w, h := c.orient.Dimensions(c.devW, c.devH)
	decl := []struct {
		dst     **host.Var
		name    string
		initial any
		opts    []host.VarOption
	}{
		{&c.image, VarImage, frame.Frame{}, []host.VarOption{host.ReadOnly()}},
		{&c.width, VarWidth, w, []host.VarOption{host.ReadOnly()}},
		{&c.height, VarHeight, h, []host.VarOption{host.ReadOnly()}},
		{&c.fps, VarFPS, opts.FPS, nil},
		{&c.orientation, VarOrientation, opts.Orientation, nil},
		{&c.subscribe, VarSubscribe, opts.Subscribe, nil},
		{&c.grabbed, VarGrabbed, uint64(0), []host.VarOption{host.ReadOnly()}},
		{&c.skipped, VarSkipped, uint64(0), []host.VarOption{host.ReadOnly()}},
	}
	for _, d := range decl {
		v, err := c.obj.NewVar(d.name, d.initial, d.opts...)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

// bind installs the registration for a subscription state: an access hook
// on the image var for pull, the periodic update for push.
func (c *Camera) bind(state subscription.State) func() {
	switch state {
	case subscription.Pull:
		return c.image.NotifyAccess(func(ctx context.Context) error {
			_, err := c.Get(ctx)
			return err
		})
	case subscription.Push:
		c.obj.SetUpdate(c.Update)
		return func() { c.obj.SetUpdate(nil) }
	default:
		return func() {}
	}
}

// push is the subscription sink: it publishes f through the image var so
// change hooks of downstream consumers run.
func (c *Camera) push(ctx context.Context, f frame.Frame) error {
	return c.image.Notify(ctx, f)
}

// Get returns the newest frame. When nothing new has been published since
// the last call it returns the cached frame at once; otherwise it blocks
// until a newer frame arrives. Before the first frame it waits for one.
//
// The returned frame is shared with the cache and must not be modified.
func (c *Camera) Get(ctx context.Context) (frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return frame.Frame{}, ErrClosed
	}
	accessed := c.accessedSeq.Load()
	if accessed != 0 && accessed == c.slot.GrabbedSeq() {
		return c.cached, nil
	}

	f, err := c.slot.WaitForNext(ctx, accessed)
	if err != nil {
		if errors.Is(err, frame.ErrClosed) {
			return c.cached, ErrClosed
		}
		return c.cached, err
	}
	c.accessedSeq.Store(f.Seq)
	c.cached = f
	c.image.Store(f)
	return f, nil
}

// Update is the periodic tick in push mode: it fetches the newest frame
// and pushes it if it has not been pushed yet.
func (c *Camera) Update(ctx context.Context) error {
	f, err := c.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return nil
		}
		return err
	}
	if _, err := c.sub.Deliver(ctx, f); err != nil {
		c.log.Debug().Err(err).Msg("Push rejected by consumer")
	}
	return nil
}

func (c *Camera) onFPS(_ context.Context, v any) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	fps := cast.ToFloat64(v)
	p := c.rate.Set(fps)
	c.log.Debug().Float64("fps", fps).Dur("period", p).Msg("Rate changed")
	return nil
}

func (c *Camera) onOrientation(_ context.Context, v any) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	swapped, err := c.orient.Set(cast.ToInt(v))
	if err != nil {
		return err
	}
	// the var keeps the value of the hook that ran last
	c.orientation.Store(int(c.orient.Mode()))
	if swapped {
		w, h := c.orient.Dimensions(c.devW, c.devH)
		c.width.Store(w)
		c.height.Store(h)
	}
	c.log.Debug().Stringer("orientation", c.orient.Mode()).Bool("swapped", swapped).Msg("Orientation changed")
	return nil
}

func (c *Camera) onSubscribe(_ context.Context, v any) error {
	if err := c.sub.SetMode(cast.ToBool(v)); err != nil {
		return err
	}
	c.log.Debug().Stringer("mode", c.sub.State()).Msg("Subscription changed")
	return nil
}

func (c *Camera) refreshStats(context.Context) error {
	s := c.loop.Stats()
	c.grabbed.Store(s.Grabbed)
	c.skipped.Store(s.Skipped)
	return nil
}

// Name returns the host object name.
func (c *Camera) Name() string { return c.name }

// Object returns the host object the camera publishes through.
func (c *Camera) Object() *host.Object { return c.obj }

// Image returns the image var.
func (c *Camera) Image() *host.Var { return c.image }

// Size returns the output dimensions under the current orientation.
func (c *Camera) Size() (int, int) {
	return c.orient.Dimensions(c.devW, c.devH)
}

// Mode returns the subscription state.
func (c *Camera) Mode() subscription.State { return c.sub.State() }

// SetFPS, SetOrientation and SetSubscribe go through the vars so hooks,
// reverts and change events behave the same as for host writes.
func (c *Camera) SetFPS(ctx context.Context, fps float64) error {
	return c.fps.Set(ctx, fps)
}

func (c *Camera) SetOrientation(ctx context.Context, selector int) error {
	return c.orientation.Set(ctx, selector)
}

func (c *Camera) SetSubscribe(ctx context.Context, push bool) error {
	return c.subscribe.Set(ctx, push)
}

// Stats returns a diagnostic snapshot.
func (c *Camera) Stats() Stats {
	accessed := c.accessedSeq.Load()
	return Stats{
		Stats:        c.loop.Stats(),
		GrabbedSeq:   c.slot.GrabbedSeq(),
		DeliveredSeq: c.slot.DeliveredSeq(),
		AccessedSeq:  accessed,
		Pushed:       c.sub.Delivered(),
		Mode:         c.sub.State().String(),
		Target:       c.sub.TargetID(),
	}
}

// Close removes the subscription, stops the capture loop (closing the
// device), releases the slot and unregisters the host object. Pending Get
// calls return ErrClosed.
func (c *Camera) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sub.Close()
		for _, fn := range c.unregister {
			fn()
		}

		if stopErr := c.loop.Stop(); stopErr != nil {
			err = fmt.Errorf("close %s: %w", c.name, stopErr)
		}
		c.slot.Close()
		c.host.RemoveObject(c.name)

		c.mu.Lock()
		c.closed = true
		c.cached = frame.Frame{}
		c.mu.Unlock()
		c.image.Store(frame.Frame{})

		c.log.Info().Msg("Source closed")
	})
	return err
}
