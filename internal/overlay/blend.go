// Package overlay draws diagnostic text onto preview images.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
)

// Blend composites src over dst with its top-left corner at (x, y),
// scaling the source alpha by opacity. Pixels outside dst are clipped.
func Blend(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	opacity = clamp01(opacity)
	if opacity == 0 {
		return
	}
	sb := src.Bounds()
	r := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())
	if opacity == 1 {
		draw.Draw(dst, r, src, sb.Min, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*0xff + 0.5)})
	draw.DrawMask(dst, r, src, sb.Min, mask, image.Point{}, draw.Over)
}

// FillRect blends a solid rectangle onto dst.
func FillRect(dst *image.RGBA, r image.Rectangle, c color.Color, opacity float64) {
	if r.Empty() {
		return
	}
	opacity = clamp01(opacity)
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*0xff + 0.5)})
	draw.DrawMask(dst, r, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
