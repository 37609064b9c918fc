package device

import (
	"fmt"
	"image/color"
)

// yuyvToRGB converts packed YUYV 4:2:2 (two pixels per four bytes) into
// RGB24.
func yuyvToRGB(dst, src []byte, w, h int) error {
	n := w * h
	if len(src) < n*2 {
		return fmt.Errorf("yuyv frame has %d bytes, want %d", len(src), n*2)
	}
	if len(dst) < n*3 {
		return fmt.Errorf("rgb buffer has %d bytes, want %d", len(dst), n*3)
	}

	j := 0
	for i := 0; i+3 < n*2; i += 4 {
		y0, u, y1, v := src[i], src[i+1], src[i+2], src[i+3]
		dst[j], dst[j+1], dst[j+2] = color.YCbCrToRGB(y0, u, v)
		dst[j+3], dst[j+4], dst[j+5] = color.YCbCrToRGB(y1, u, v)
		j += 6
	}
	return nil
}
