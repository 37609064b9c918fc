// Package output delivers published frames to viewers outside the process.
package output

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
)

// ErrNotRunning is returned by WriteFrame before Start or after Stop.
var ErrNotRunning = errors.New("output not running")

// Output is a sink for frames of one host object.
type Output interface {
	// Start begins accepting frames.
	Start() error

	// Stop shuts the output down and disconnects its viewers.
	Stop() error

	// WriteFrame offers a frame. Outputs may drop frames they cannot keep
	// up with; an error means the output is not accepting frames.
	WriteFrame(f frame.Frame) error

	// Name returns a human-readable name for this output.
	Name() string

	// IsRunning reports whether Start has been called without Stop.
	IsRunning() bool
}

// Config holds settings shared by outputs.
type Config struct {
	// Quality is the JPEG quality, 1..100. Zero selects 80.
	Quality int
	// Stamp draws the object name, sequence and size onto each frame.
	Stamp bool
	// Corner places the stamp; see overlay.ParseCorner.
	Corner string
}

func (c Config) quality() int {
	switch {
	case c.Quality <= 0:
		return 80
	case c.Quality > 100:
		return 100
	}
	return c.Quality
}

// Writer accepts frames. Every Output is a Writer.
type Writer interface {
	WriteFrame(f frame.Frame) error
}

// Bind offers every frame stored into v through Notify to o. The returned
// function removes the change hook.
func Bind(o Writer, v *host.Var, log *zerolog.Logger) func() {
	return v.NotifyChange(func(_ context.Context, value any) error {
		f, ok := value.(frame.Frame)
		if !ok {
			return nil
		}
		if err := o.WriteFrame(f); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Debug().Err(err).Msg("Frame not queued")
		}
		return nil
	})
}

// Poll reads v every period through its access hooks and offers each new
// frame to o, until ctx is done or o stops. It is the pull-mode
// counterpart of Bind.
func Poll(ctx context.Context, o Writer, v *host.Var, period time.Duration, log *zerolog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		value, err := v.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("Poll failed")
			continue
		}
		f, ok := value.(frame.Frame)
		if !ok || f.Empty() || f.Seq == last {
			continue
		}
		last = f.Seq
		if err := o.WriteFrame(f); errors.Is(err, ErrNotRunning) {
			return
		}
	}
}
