package device

import (
	"context"
	"errors"
	"time"
)

func init() {
	Register("synthetic", openSynthetic)
}

// Synthetic generates a test pattern: a dark gradient with a white square
// that moves one step per frame. The frame counter is written big-endian
// into the first pixel so consumers can tell frames apart.
type Synthetic struct {
	width  int
	height int
	period time.Duration

	// NoDataEvery makes every Nth Grab return ErrNoData when > 0.
	NoDataEvery int

	next   time.Time
	grabs  int
	n      uint32
	closed bool
}

// NewSynthetic returns a pattern generator paced at fps (0 = unpaced).
func NewSynthetic(width, height int, fps float64) *Synthetic {
	s := &Synthetic{width: width, height: height}
	if fps > 0 {
		s.period = time.Duration(float64(time.Second) / fps)
	}
	return s
}

func openSynthetic(_ context.Context, uri string) (Device, error) {
	_, q, err := parseURL(uri)
	if err != nil {
		return nil, err
	}
	w, err := queryInt(q, "width", 320)
	if err != nil {
		return nil, err
	}
	h, err := queryInt(q, "height", 240)
	if err != nil {
		return nil, err
	}
	fps, err := queryFloat(q, "fps", 30)
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 {
		return nil, errors.New("synthetic: width and height must be positive")
	}
	s := NewSynthetic(w, h, fps)
	if s.NoDataEvery, err = queryInt(q, "nodata", 0); err != nil {
		return nil, err
	}
	return s, nil
}

// Grab waits for the next frame time.
func (s *Synthetic) Grab(ctx context.Context) error {
	if s.closed {
		return errors.New("synthetic: closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.period > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		s.next = s.next.Add(s.period)
		// Fall behind by at most one period.
		if now := time.Now(); now.Sub(s.next) > s.period {
			s.next = now
		}
	}

	s.grabs++
	if s.NoDataEvery > 0 && s.grabs%s.NoDataEvery == 0 {
		return ErrNoData
	}
	s.n++
	return nil
}

// Retrieve renders the current frame.
func (s *Synthetic) Retrieve(dst []byte) error {
	w, h := s.width, s.height
	if len(dst) < w*h*3 {
		return errors.New("synthetic: destination too small")
	}

	pos, top, side := s.Square()

	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= pos && x < pos+side && y >= top && y < top+side {
				dst[i], dst[i+1], dst[i+2] = 255, 255, 255
			} else {
				dst[i] = byte(x * 64 / w)
				dst[i+1] = byte(y * 64 / h)
				dst[i+2] = 32
			}
			i += 3
		}
	}

	dst[0], dst[1], dst[2] = byte(s.n>>16), byte(s.n>>8), byte(s.n)
	return nil
}

// Counter returns the number of frames generated so far.
func (s *Synthetic) Counter() uint32 { return s.n }

// Square returns the top-left corner and side of the bright square in the
// current frame.
func (s *Synthetic) Square() (x, y, side int) {
	side = max(min(s.width, s.height)/4, 1)
	span := s.width - side
	if span > 0 {
		// bounce between the left and right edges
		p := int(s.n) % (2 * span)
		if p > span {
			p = 2*span - p
		}
		x = p
	}
	return x, (s.height - side) / 2, side
}

func (s *Synthetic) Size() (int, int) { return s.width, s.height }

func (s *Synthetic) Close() error {
	s.closed = true
	return nil
}

// FrameCounter decodes the counter stamped into the first pixel of a
// synthetic frame.
func FrameCounter(pix []byte) uint32 {
	if len(pix) < 3 {
		return 0
	}
	return uint32(pix[0])<<16 | uint32(pix[1])<<8 | uint32(pix[2])
}
