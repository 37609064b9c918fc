// Package capture runs the background grab loop that feeds a frame slot.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/device"
	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/orientation"
)

// DefaultBackoff is the pause after a grab that produced no frame.
const DefaultBackoff = 15 * time.Millisecond

// Stats counts what happened to each grab.
type Stats struct {
	Grabbed   uint64 `json:"grabbed"`
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	NoData    uint64 `json:"no_data"`
	Failures  uint64 `json:"failures"`
}

// Options configures a Loop.
type Options struct {
	// Backoff after ErrNoData or a failed grab. Zero means DefaultBackoff.
	Backoff time.Duration

	// Orientation is read once per cycle. Nil means no rotation.
	Orientation *orientation.Stage

	// Name labels log lines.
	Name string
}

// Loop grabs from a device and publishes into a slot without ever waiting
// on a consumer. A cycle whose publish finds the slot locked is skipped.
type Loop struct {
	dev    device.Device
	slot   *frame.Slot
	orient *orientation.Stage
	opts   Options
	log    *zerolog.Logger
	warn   zerolog.Logger

	raw []byte

	grabbed   atomic.Uint64
	published atomic.Uint64
	skipped   atomic.Uint64
	noData    atomic.Uint64
	failures  atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a loop. The loop owns dev and closes it when it exits.
func New(dev device.Device, slot *frame.Slot, opts Options) *Loop {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	orient := opts.Orientation
	if orient == nil {
		orient = &orientation.Stage{}
	}
	log := logger.WithObject("capture", opts.Name)
	return &Loop{
		dev:    dev,
		slot:   slot,
		orient: orient,
		opts:   opts,
		log:    log,
		warn:   log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
	}
}

// Start runs the loop on its own goroutine until Stop or ctx is done.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		err := l.Run(ctx)
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	}()
}

// Stop cancels the loop and waits for it to exit. The device is closed by
// the time Stop returns.
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when a started loop has exited.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Run grabs until ctx is done or the slot is closed, then closes the
// device. It returns the device close error, if any.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug().Msg("Capture loop started")
	defer l.log.Debug().Msg("Capture loop stopped")

	for ctx.Err() == nil {
		if !l.cycle(ctx) {
			break
		}
	}

	if err := l.dev.Close(); err != nil {
		l.log.Warn().Err(err).Msg("Device close failed")
		return err
	}
	return nil
}

// cycle runs one grab and publish attempt. It returns false when the loop
// must stop.
func (l *Loop) cycle(ctx context.Context) bool {
	mode := l.orient.Mode()

	if err := l.dev.Grab(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, device.ErrNoData) {
			l.noData.Add(1)
		} else {
			l.failures.Add(1)
			l.warn.Warn().Err(err).Uint64("failures", l.failures.Load()).Msg("Grab failed")
		}
		return l.sleep(ctx)
	}
	l.grabbed.Add(1)

	w, h := l.dev.Size()
	ok, err := l.slot.TryPublish(func(dst *frame.Frame) error {
		if mode == orientation.None {
			dst.Resize(w, h)
			return l.dev.Retrieve(dst.Pix)
		}
		n := frame.Size(w, h)
		if cap(l.raw) < n {
			l.raw = make([]byte, n)
		}
		l.raw = l.raw[:n]
		if err := l.dev.Retrieve(l.raw); err != nil {
			return err
		}
		return mode.Apply(dst, l.raw, w, h)
	})

	switch {
	case errors.Is(err, frame.ErrClosed):
		return false
	case err != nil:
		l.failures.Add(1)
		l.warn.Warn().Err(err).Msg("Retrieve failed")
		return l.sleep(ctx)
	case !ok:
		l.skipped.Add(1)
	default:
		l.published.Add(1)
	}
	return true
}

func (l *Loop) sleep(ctx context.Context) bool {
	t := time.NewTimer(l.opts.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Grabbed:   l.grabbed.Load(),
		Published: l.published.Load(),
		Skipped:   l.skipped.Load(),
		NoData:    l.noData.Load(),
		Failures:  l.failures.Load(),
	}
}
