// Package frame holds the RGB24 frame type and the slot that hands frames
// from a capture goroutine to consumers.
package frame

import (
	"hash/crc32"
	"image"
	"image/color"
	"time"
)

// Channels is the fixed number of bytes per pixel (R, G, B).
const Channels = 3

// Frame is one decoded RGB24 image plus its sequence number.
//
// Frames returned by a Slot are copies; the caller owns Pix.
type Frame struct {
	Width     int
	Height    int
	Pix       []byte
	Seq       uint64
	Timestamp time.Time

	// Sum is the CRC-32 of Pix, computed in the same critical section
	// that assigns Seq.
	Sum uint32
}

// Size returns the byte length of a width x height RGB24 buffer.
func Size(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return width * height * Channels
}

// Resize sets the frame dimensions and makes Pix exactly Size(w, h) long,
// reusing the existing backing array when it is large enough.
func (f *Frame) Resize(width, height int) {
	n := Size(width, height)
	if cap(f.Pix) >= n {
		f.Pix = f.Pix[:n]
	} else {
		f.Pix = make([]byte, n)
	}
	f.Width = width
	f.Height = height
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	c := f
	if f.Pix != nil {
		c.Pix = make([]byte, len(f.Pix))
		copy(c.Pix, f.Pix)
	}
	return c
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return len(f.Pix) == 0
}

// Checksum computes the CRC-32 of the pixel buffer.
func (f Frame) Checksum() uint32 {
	return crc32.ChecksumIEEE(f.Pix)
}

// Valid reports whether the stored checksum matches the pixel data.
func (f Frame) Valid() bool {
	return f.Sum == f.Checksum()
}

// ToRGBA converts the frame to an *image.RGBA with opaque alpha.
func (f Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	if len(f.Pix) < n*Channels {
		return img
	}
	for i := 0; i < n; i++ {
		img.Pix[i*4] = f.Pix[i*3]
		img.Pix[i*4+1] = f.Pix[i*3+1]
		img.Pix[i*4+2] = f.Pix[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// FromImage builds an RGB24 frame from any image. Alpha is dropped.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	var f Frame
	f.Resize(b.Dx(), b.Dy())

	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		n := b.Dx() * b.Dy()
		for i := 0; i < n; i++ {
			f.Pix[i*3] = rgba.Pix[i*4]
			f.Pix[i*3+1] = rgba.Pix[i*4+1]
			f.Pix[i*3+2] = rgba.Pix[i*4+2]
		}
		return f
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			f.Pix[i] = c.R
			f.Pix[i+1] = c.G
			f.Pix[i+2] = c.B
			i += 3
		}
	}
	return f
}
