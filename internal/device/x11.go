package device

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

func init() {
	Register("x11", openX11)
}

// x11Screen grabs a region of the root window with GetImage.
//
//	x11://[display]?x=0&y=0&width=W&height=H&fps=10
type x11Screen struct {
	conn   *xgb.Conn
	root   xproto.Window
	depth  int
	x, y   int
	width  int
	height int

	period time.Duration
	next   time.Time
	data   []byte
}

func openX11(_ context.Context, uri string) (Device, error) {
	u, q, err := parseURL(uri)
	if err != nil {
		return nil, err
	}

	conn, err := xgb.NewConnDisplay(u.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	d := &x11Screen{
		conn:  conn,
		root:  screen.Root,
		depth: int(screen.RootDepth),
	}
	if d.depth != 24 && d.depth != 32 {
		conn.Close()
		return nil, fmt.Errorf("unsupported root depth %d", d.depth)
	}

	sw, sh := int(screen.WidthInPixels), int(screen.HeightInPixels)
	if d.x, err = queryInt(q, "x", 0); err != nil {
		conn.Close()
		return nil, err
	}
	if d.y, err = queryInt(q, "y", 0); err != nil {
		conn.Close()
		return nil, err
	}
	if d.width, err = queryInt(q, "width", sw-d.x); err != nil {
		conn.Close()
		return nil, err
	}
	if d.height, err = queryInt(q, "height", sh-d.y); err != nil {
		conn.Close()
		return nil, err
	}
	if d.x < 0 || d.y < 0 || d.width <= 0 || d.height <= 0 || d.x+d.width > sw || d.y+d.height > sh {
		conn.Close()
		return nil, fmt.Errorf("region %dx%d+%d+%d outside screen %dx%d", d.width, d.height, d.x, d.y, sw, sh)
	}

	fps, err := queryFloat(q, "fps", 10)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if fps > 0 {
		d.period = time.Duration(float64(time.Second) / fps)
	}
	return d, nil
}

func (d *x11Screen) Grab(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if d.period > 0 {
		if wait := time.Until(d.next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		d.next = time.Now().Add(d.period)
	}

	reply, err := xproto.GetImage(
		d.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(d.root),
		int16(d.x), int16(d.y),
		uint16(d.width), uint16(d.height),
		0xffffffff,
	).Reply()
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}
	if len(reply.Data) == 0 {
		return ErrNoData
	}
	d.data = reply.Data
	return nil
}

// Retrieve converts the BGRx image data to RGB.
func (d *x11Screen) Retrieve(dst []byte) error {
	n := d.width * d.height
	if len(d.data) < n*4 {
		return fmt.Errorf("x11 image has %d bytes, want %d", len(d.data), n*4)
	}
	for i := 0; i < n; i++ {
		dst[i*3] = d.data[i*4+2]
		dst[i*3+1] = d.data[i*4+1]
		dst[i*3+2] = d.data[i*4]
	}
	return nil
}

func (d *x11Screen) Size() (int, int) { return d.width, d.height }

func (d *x11Screen) Close() error {
	d.conn.Close()
	return nil
}
