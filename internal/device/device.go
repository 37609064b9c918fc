// Package device opens frame sources by URI. Every backend produces RGB24
// frames through the same grab/retrieve pair: Grab waits for the next frame
// and Retrieve converts it into a caller-owned buffer.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

var (
	// ErrNoData means the device had no frame ready. The caller backs off
	// and grabs again.
	ErrNoData = errors.New("no frame ready")

	// ErrOpen wraps every failure to open a device.
	ErrOpen = errors.New("device open failed")

	ErrUnsupported = errors.New("unsupported device")
)

// Device is a frame source. Grab and Retrieve are called from a single
// goroutine; Size may be called from any goroutine.
type Device interface {
	// Grab advances to the next frame, blocking until one is available or
	// returning ErrNoData.
	Grab(ctx context.Context) error

	// Retrieve writes the grabbed frame as RGB24 into dst, which holds
	// exactly width*height*3 bytes for the dimensions reported by Size.
	Retrieve(dst []byte) error

	// Size returns the frame dimensions.
	Size() (width, height int)

	Close() error
}

// Opener opens a device for a URI of its registered scheme.
type Opener func(ctx context.Context, uri string) (Device, error)

var (
	registryMu sync.RWMutex
	openers    = make(map[string]Opener)
)

// Register installs the opener for scheme. Backends call it from init.
func Register(scheme string, op Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	openers[scheme] = op
}

// Schemes lists the registered URI schemes.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(openers))
	for s := range openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Normalize rewrites shorthand URIs: "" opens the synthetic pattern and a
// bare index N opens /dev/videoN.
func Normalize(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "synthetic://"
	}
	if n, err := strconv.Atoi(uri); err == nil && n >= 0 {
		return fmt.Sprintf("v4l2:///dev/video%d", n)
	}
	return uri
}

// Scheme returns the scheme of a normalized URI.
func Scheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// Open opens the device named by uri. All failures wrap ErrOpen.
func Open(ctx context.Context, uri string) (Device, error) {
	uri = Normalize(uri)
	scheme := Scheme(uri)

	registryMu.RLock()
	op, ok := openers[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, uri, ErrUnsupported)
	}

	dev, err := op(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, uri, err)
	}

	w, h := dev.Size()
	logger.WithComponent("device").Info().
		Str("uri", uri).
		Int("width", w).
		Int("height", h).
		Msg("Device opened")
	return dev, nil
}

// parseURL parses uri and returns it with its query values.
func parseURL(uri string) (*url.URL, url.Values, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, nil, err
	}
	return u, u.Query(), nil
}

func queryInt(q url.Values, key string, def int) (int, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, s, err)
	}
	return n, nil
}

func queryFloat(q url.Values, key string, def float64) (float64, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, s, err)
	}
	return f, nil
}

// unpadRows copies h rows of w RGB24 pixels from src, whose rows are
// stride bytes apart, into the tightly packed dst.
func unpadRows(dst, src []byte, w, h, stride int) error {
	row := w * 3
	if stride < row || len(src) < stride*(h-1)+row || len(dst) < row*h {
		return fmt.Errorf("frame buffer too short: have %d bytes for %dx%d stride %d", len(src), w, h, stride)
	}
	if stride == row {
		copy(dst, src[:row*h])
		return nil
	}
	for y := 0; y < h; y++ {
		copy(dst[y*row:(y+1)*row], src[y*stride:y*stride+row])
	}
	return nil
}

// rgbStride is the row size GStreamer uses for packed RGB: rounded up to a
// multiple of four bytes.
func rgbStride(w int) int {
	return (w*3 + 3) &^ 3
}
