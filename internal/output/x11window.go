package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/overlay"
)

// WindowConfig configures an X11 viewer window.
type WindowConfig struct {
	Config
	Display string // X display, "" for $DISPLAY
	Width   int
	Height  int
}

// X11Window shows the frames of one object in a window on an X server,
// scaled to fit and letterboxed. Like MJPEG it renders on its own
// goroutine and keeps only the newest pending frame.
type X11Window struct {
	object string
	config WindowConfig
	stamp  overlay.Stamp
	log    *zerolog.Logger

	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext
	format pixmapFormat

	mu      sync.RWMutex
	running bool
	pending chan frame.Frame
	done    chan struct{}

	statsMu  sync.Mutex
	rendered uint64
}

type pixmapFormat struct {
	depth         uint8
	bytesPerPixel int
	scanlinePad   int // bytes
	maxRequest    int // bytes of image data per PutImage
}

// NewX11Window connects to the X server. The window is created by Start.
func NewX11Window(object string, config WindowConfig) (*X11Window, error) {
	if config.Width <= 0 || config.Height <= 0 {
		config.Width, config.Height = 640, 480
	}
	corner, err := overlay.ParseCorner(config.Corner)
	if err != nil {
		return nil, err
	}
	conn, err := xgb.NewConnDisplay(config.Display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)
	format, err := formatFor(setup, screen.RootDepth)
	if err != nil {
		conn.Close()
		return nil, err
	}

	stamp := overlay.DefaultStamp()
	stamp.Corner = corner
	return &X11Window{
		object: object,
		config: config,
		stamp:  stamp,
		log:    logger.WithObject("output", object),
		conn:   conn,
		screen: screen,
		format: format,
	}, nil
}

func formatFor(setup *xproto.SetupInfo, depth byte) (pixmapFormat, error) {
	for _, f := range setup.PixmapFormats {
		if f.Depth != depth {
			continue
		}
		bpp := int(f.BitsPerPixel) / 8
		if bpp != 3 && bpp != 4 {
			return pixmapFormat{}, fmt.Errorf("unsupported pixmap format: %d bits per pixel", f.BitsPerPixel)
		}
		return pixmapFormat{
			depth:         depth,
			bytesPerPixel: bpp,
			scanlinePad:   int(f.ScanlinePad) / 8,
			// request length is in 4-byte units; PutImage has a 24-byte header
			maxRequest: int(setup.MaximumRequestLength)*4 - 24,
		}, nil
	}
	return pixmapFormat{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

// Start creates and maps the window.
func (x *X11Window) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.running {
		return fmt.Errorf("window for %s already running", x.object)
	}

	wid, err := xproto.NewWindowId(x.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	x.window = wid
	err = xproto.CreateWindowChecked(
		x.conn,
		x.screen.RootDepth,
		x.window,
		x.screen.Root,
		0, 0,
		uint16(x.config.Width), uint16(x.config.Height),
		0,
		xproto.WindowClassInputOutput,
		x.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{0x000000, xproto.EventMaskExposure | xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	if err := x.setTitle("framegrab - " + x.object); err != nil {
		x.log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := xproto.MapWindowChecked(x.conn, x.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(x.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	x.gc = gc
	if err := xproto.CreateGCChecked(x.conn, x.gc, xproto.Drawable(x.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}

	x.running = true
	x.pending = make(chan frame.Frame, 1)
	x.done = make(chan struct{})
	go x.render(x.pending, x.done)

	x.log.Info().
		Int("width", x.config.Width).
		Int("height", x.config.Height).
		Uint32("window_id", uint32(x.window)).
		Msg("Viewer window created")
	return nil
}

// Stop destroys the window and closes the connection.
func (x *X11Window) Stop() error {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return nil
	}
	x.running = false
	close(x.pending)
	done := x.done
	x.mu.Unlock()
	<-done

	xproto.FreeGC(x.conn, x.gc)
	xproto.DestroyWindow(x.conn, x.window)
	x.conn.Sync()
	x.conn.Close()
	x.log.Info().Uint64("rendered", x.Rendered()).Msg("Viewer window closed")
	return nil
}

// WriteFrame queues f for display, replacing any frame not yet rendered.
func (x *X11Window) WriteFrame(f frame.Frame) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.running {
		return ErrNotRunning
	}
	if f.Empty() {
		return nil
	}
	for {
		select {
		case x.pending <- f:
			return nil
		default:
		}
		select {
		case <-x.pending:
		default:
		}
	}
}

// Name returns a description of the output.
func (x *X11Window) Name() string {
	return "X11 window for " + x.object
}

// IsRunning reports whether the window is shown.
func (x *X11Window) IsRunning() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.running
}

// Rendered returns the number of frames drawn.
func (x *X11Window) Rendered() uint64 {
	x.statsMu.Lock()
	defer x.statsMu.Unlock()
	return x.rendered
}

func (x *X11Window) render(pending <-chan frame.Frame, done chan<- struct{}) {
	defer close(done)
	canvas := image.NewRGBA(image.Rect(0, 0, x.config.Width, x.config.Height))
	var data []byte
	for f := range pending {
		src := f.ToRGBA()
		if x.config.Stamp {
			x.stamp.Render(src, overlay.Label(x.object, f))
		}
		letterbox(canvas, src)
		data = pack(data, canvas, x.format)
		if err := x.put(data, canvas.Bounds().Dx(), canvas.Bounds().Dy()); err != nil {
			x.log.Warn().Err(err).Uint64("seq", f.Seq).Msg("Failed to draw frame")
			continue
		}
		x.statsMu.Lock()
		x.rendered++
		x.statsMu.Unlock()
	}
}

// letterbox scales src to fit dst, preserving aspect ratio, centered on
// black.
func letterbox(dst *image.RGBA, src image.Image) {
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, fitRect(dst.Bounds(), src.Bounds()), src, src.Bounds(), draw.Src, nil)
}

// fitRect returns the largest rectangle with src's aspect ratio centered
// in dst.
func fitRect(dst, src image.Rectangle) image.Rectangle {
	dw, dh := dst.Dx(), dst.Dy()
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 {
		return image.Rectangle{}
	}
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x0 := dst.Min.X + (dw-w)/2
	y0 := dst.Min.Y + (dh-h)/2
	return image.Rect(x0, y0, x0+w, y0+h)
}

// stride is the padded length of one scanline of width pixels.
func (f pixmapFormat) stride(width int) int {
	n := width * f.bytesPerPixel
	if f.scanlinePad > 0 {
		n = (n + f.scanlinePad - 1) / f.scanlinePad * f.scanlinePad
	}
	return n
}

// pack converts img to the server's ZPixmap layout (BGR or BGRx), reusing
// buf when it is large enough.
func pack(buf []byte, img *image.RGBA, f pixmapFormat) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	stride := f.stride(w)
	if cap(buf) < stride*h {
		buf = make([]byte, stride*h)
	}
	buf = buf[:stride*h]
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := buf[y*stride:]
		for x := 0; x < w; x++ {
			s, d := x*4, x*f.bytesPerPixel
			dst[d] = src[s+2]
			dst[d+1] = src[s+1]
			dst[d+2] = src[s]
			if f.bytesPerPixel == 4 {
				if f.depth == 32 {
					dst[d+3] = src[s+3]
				} else {
					dst[d+3] = 0
				}
			}
		}
	}
	return buf
}

// put sends data in horizontal bands that fit the server's request limit.
func (x *X11Window) put(data []byte, width, height int) error {
	stride := x.format.stride(width)
	rows := max(x.format.maxRequest/stride, 1)
	for y := 0; y < height; y += rows {
		n := min(rows, height-y)
		err := xproto.PutImageChecked(
			x.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(x.window),
			x.gc,
			uint16(width), uint16(n),
			0, int16(y),
			0,
			x.format.depth,
			data[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

func (x *X11Window) setTitle(title string) error {
	name, err := x.atom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8, err := x.atom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		x.conn, xproto.PropModeReplace, x.window, name, utf8, 8,
		uint32(len(title)), []byte(title),
	).Check()
}

func (x *X11Window) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(x.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
