package output

import (
	"image"
	"image/color"
	"testing"
)

func TestFitRect(t *testing.T) {
	tests := []struct {
		name     string
		dst, src image.Rectangle
		want     image.Rectangle
	}{
		{"same aspect", image.Rect(0, 0, 640, 480), image.Rect(0, 0, 320, 240), image.Rect(0, 0, 640, 480)},
		{"wide source", image.Rect(0, 0, 640, 480), image.Rect(0, 0, 1280, 720), image.Rect(0, 60, 640, 420)},
		{"tall source", image.Rect(0, 0, 640, 480), image.Rect(0, 0, 240, 480), image.Rect(200, 0, 440, 480)},
		{"empty source", image.Rect(0, 0, 640, 480), image.Rectangle{}, image.Rectangle{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fitRect(tt.dst, tt.src); got != tt.want {
				t.Errorf("fitRect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLetterbox(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 10))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	dst := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for i := range dst.Pix {
		dst.Pix[i] = 0x80
	}
	letterbox(dst, src)

	if got := dst.RGBAAt(20, 2); got != (color.RGBA{0, 0, 0, 0xff}) {
		t.Errorf("bar pixel = %v, want black", got)
	}
	if got := dst.RGBAAt(20, 20); got.R != 0xff || got.G != 0xff {
		t.Errorf("image pixel = %v, want white", got)
	}
}

func TestPack(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 0xff})
	img.SetRGBA(2, 1, color.RGBA{R: 4, G: 5, B: 6, A: 0xff})

	tests := []struct {
		name   string
		format pixmapFormat
		stride int
		first  []byte
	}{
		{"bgrx depth 24", pixmapFormat{depth: 24, bytesPerPixel: 4, scanlinePad: 4}, 12, []byte{3, 2, 1, 0}},
		{"bgra depth 32", pixmapFormat{depth: 32, bytesPerPixel: 4, scanlinePad: 4}, 12, []byte{3, 2, 1, 0xff}},
		{"packed bgr", pixmapFormat{depth: 24, bytesPerPixel: 3, scanlinePad: 4}, 12, []byte{3, 2, 1}},
		{"bgr no pad", pixmapFormat{depth: 24, bytesPerPixel: 3, scanlinePad: 1}, 9, []byte{3, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s := tt.format.stride(3); s != tt.stride {
				t.Fatalf("stride(3) = %d, want %d", s, tt.stride)
			}
			buf := pack(nil, img, tt.format)
			if len(buf) != 2*tt.stride {
				t.Fatalf("len = %d, want %d", len(buf), 2*tt.stride)
			}
			if got := buf[:len(tt.first)]; string(got) != string(tt.first) {
				t.Errorf("first pixel = %v, want %v", got, tt.first)
			}
			last := tt.stride + 2*tt.format.bytesPerPixel
			if got := buf[last : last+3]; string(got) != string([]byte{6, 5, 4}) {
				t.Errorf("last pixel = %v, want [6 5 4]", got)
			}
		})
	}
}

func TestPackReusesBuffer(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	f := pixmapFormat{depth: 24, bytesPerPixel: 4, scanlinePad: 4}
	buf := make([]byte, 0, 128)
	out := pack(buf, img, f)
	if &out[0] != &buf[:1][0] {
		t.Error("pack allocated despite sufficient capacity")
	}
}
