package output

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
)

// Feed keeps an Output supplied from an image var while the var's owner
// switches between push and pull. Frames stored through Notify arrive by
// change hook; while a poll period is set the var is also read through its
// access hooks. Each sequence number reaches the output at most once.
type Feed struct {
	out Output
	v   *host.Var
	log *zerolog.Logger
	ctx context.Context

	unbind func()

	mu      sync.Mutex
	lastSeq uint64
	period  time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewFeed binds out to v. Polling is off until SetPeriod.
func NewFeed(ctx context.Context, out Output, v *host.Var, log *zerolog.Logger) *Feed {
	f := &Feed{out: out, v: v, log: log, ctx: ctx}
	f.unbind = Bind(f, v, log)
	return f
}

// WriteFrame forwards fr unless a frame with the same or a later sequence
// was already forwarded.
func (f *Feed) WriteFrame(fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr.Seq != 0 && fr.Seq <= f.lastSeq {
		return nil
	}
	if err := f.out.WriteFrame(fr); err != nil {
		return err
	}
	f.lastSeq = fr.Seq
	return nil
}

// SetPeriod starts, restarts or (d <= 0) stops polling.
func (f *Feed) SetPeriod(d time.Duration) {
	f.mu.Lock()
	if f.closed || d == f.period {
		f.mu.Unlock()
		return
	}
	cancel, done := f.cancel, f.done
	f.period = d
	f.cancel, f.done = nil, nil
	if d > 0 {
		ctx, c := context.WithCancel(f.ctx)
		ch := make(chan struct{})
		f.cancel, f.done = c, ch
		go func() {
			defer close(ch)
			Poll(ctx, f, f.v, d, f.log)
		}()
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	f.log.Debug().Dur("period", d).Msg("Feed poll period changed")
}

// Polling reports whether a poll loop is running.
func (f *Feed) Polling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done != nil
}

// Close removes the change hook and stops polling. The output itself is
// left running.
func (f *Feed) Close() {
	f.SetPeriod(0)
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.unbind()
}
