// Package orientation rotates RGB24 frames by multiples of 90 degrees.
package orientation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bryanchriswhite/framegrab/internal/frame"
)

// ErrInvalidConfiguration is returned for option values outside their
// accepted range. The previous setting stays in effect.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Mode is a clockwise rotation.
type Mode int

const (
	None Mode = iota
	Rot90
	Rot180
	Rot270
)

// Parse maps a 0..3 selector to a Mode.
func Parse(selector int) (Mode, error) {
	if selector < int(None) || selector > int(Rot270) {
		return None, fmt.Errorf("%w: orientation %d not in 0..3", ErrInvalidConfiguration, selector)
	}
	return Mode(selector), nil
}

// Degrees returns the clockwise rotation angle.
func (m Mode) Degrees() int {
	return int(m) * 90
}

// Swaps reports whether the mode exchanges width and height.
func (m Mode) Swaps() bool {
	return m == Rot90 || m == Rot270
}

func (m Mode) String() string {
	return fmt.Sprintf("%d°", m.Degrees())
}

// Dimensions returns the output size for a w x h input.
func (m Mode) Dimensions(w, h int) (int, int) {
	if m.Swaps() {
		return h, w
	}
	return w, h
}

// Apply writes src (w x h RGB24) rotated by m into dst, resizing dst to the
// output dimensions. The flip and the transpose of the quarter turns are
// done in a single pass over the pixels.
func (m Mode) Apply(dst *frame.Frame, src []byte, w, h int) error {
	if len(src) < frame.Size(w, h) {
		return fmt.Errorf("orientation: source has %d bytes, want %d", len(src), frame.Size(w, h))
	}

	ow, oh := m.Dimensions(w, h)
	dst.Resize(ow, oh)
	out := dst.Pix
	const c = frame.Channels

	switch m {
	case None:
		copy(out, src[:len(out)])
	case Rot180:
		// dst[r][x] = src[h-1-r][w-1-x]
		n := w * h
		for i := 0; i < n; i++ {
			j := (n - 1 - i) * c
			out[i*c], out[i*c+1], out[i*c+2] = src[j], src[j+1], src[j+2]
		}
	case Rot90:
		// vertical flip then transpose: dst[r][x] = src[h-1-x][r]
		for r := 0; r < oh; r++ {
			row := r * ow * c
			for x := 0; x < ow; x++ {
				j := ((h-1-x)*w + r) * c
				k := row + x*c
				out[k], out[k+1], out[k+2] = src[j], src[j+1], src[j+2]
			}
		}
	case Rot270:
		// horizontal flip then transpose: dst[r][x] = src[x][w-1-r]
		for r := 0; r < oh; r++ {
			row := r * ow * c
			for x := 0; x < ow; x++ {
				j := (x*w + (w - 1 - r)) * c
				k := row + x*c
				out[k], out[k+1], out[k+2] = src[j], src[j+1], src[j+2]
			}
		}
	default:
		return fmt.Errorf("%w: orientation mode %d", ErrInvalidConfiguration, int(m))
	}
	return nil
}

// Stage holds the live orientation of a source. Set may be called from any
// goroutine; the capture loop reads Mode once at the start of each cycle.
type Stage struct {
	mode atomic.Int32
}

// Set selects the orientation by its 0..3 selector. swapped is true when the
// change moves between the {0,180} and {90,270} groups, i.e. when the
// reported width and height exchange.
func (s *Stage) Set(selector int) (swapped bool, err error) {
	m, err := Parse(selector)
	if err != nil {
		return false, err
	}
	prev := Mode(s.mode.Swap(int32(m)))
	return prev.Swaps() != m.Swaps(), nil
}

// Mode returns the current orientation.
func (s *Stage) Mode() Mode {
	return Mode(s.mode.Load())
}

// Dimensions returns the output size of a w x h device frame under the
// current orientation.
func (s *Stage) Dimensions(w, h int) (int, int) {
	return s.Mode().Dimensions(w, h)
}
