package overlay

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bryanchriswhite/framegrab/internal/frame"
)

// Corner selects where a Stamp is anchored.
type Corner int

const (
	TopLeft Corner = iota
	TopRight
	BottomLeft
	BottomRight
)

// ParseCorner accepts "top-left", "top-right", "bottom-left" and
// "bottom-right". The empty string is top-left.
func ParseCorner(s string) (Corner, error) {
	switch strings.ToLower(s) {
	case "", "top-left":
		return TopLeft, nil
	case "top-right":
		return TopRight, nil
	case "bottom-left":
		return BottomLeft, nil
	case "bottom-right":
		return BottomRight, nil
	}
	return TopLeft, fmt.Errorf("unknown corner %q", s)
}

// Stamp draws a single line of text in a fixed 7x13 font over a
// translucent background box.
type Stamp struct {
	Corner     Corner
	Color      color.RGBA
	Background color.RGBA
	Padding    int
	Opacity    float64
}

// DefaultStamp is white text on a half-transparent black box.
func DefaultStamp() Stamp {
	return Stamp{
		Color:      color.RGBA{255, 255, 255, 255},
		Background: color.RGBA{0, 0, 0, 160},
		Padding:    4,
		Opacity:    1,
	}
}

var face = basicfont.Face7x13

// Bounds returns the box text occupies inside an image of the given bounds.
func (s Stamp) Bounds(text string, within image.Rectangle) image.Rectangle {
	d := font.Drawer{Face: face}
	w := d.MeasureString(text).Ceil() + 2*s.Padding
	h := face.Height + 2*s.Padding

	x, y := within.Min.X, within.Min.Y
	switch s.Corner {
	case TopRight:
		x = within.Max.X - w
	case BottomLeft:
		y = within.Max.Y - h
	case BottomRight:
		x, y = within.Max.X-w, within.Max.Y-h
	}
	return image.Rect(x, y, x+w, y+h)
}

// Render draws text onto img. Empty text draws nothing.
func (s Stamp) Render(img *image.RGBA, text string) {
	if text == "" {
		return
	}
	box := s.Bounds(text, img.Bounds())
	FillRect(img, box, s.Background, s.Opacity)

	// text is drawn into a scratch image first so opacity applies to it too
	glyphs := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	d := font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(s.Color),
		Face: face,
		Dot:  fixed.P(s.Padding, s.Padding+face.Ascent),
	}
	d.DrawString(text)
	Blend(img, glyphs, box.Min.X, box.Min.Y, s.Opacity)
}

// Label is the default stamp text for a frame published by object.
func Label(object string, f frame.Frame) string {
	ts := ""
	if !f.Timestamp.IsZero() {
		ts = " " + f.Timestamp.Format("15:04:05.000")
	}
	return fmt.Sprintf("%s #%d %dx%d%s", object, f.Seq, f.Width, f.Height, ts)
}

// Apply converts f to RGBA and stamps its label in place.
func (s Stamp) Apply(object string, f frame.Frame) *image.RGBA {
	img := f.ToRGBA()
	s.Render(img, Label(object, f))
	return img
}
