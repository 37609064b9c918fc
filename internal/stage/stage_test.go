package stage

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/subscription"
)

// squareFrame is a black w x h frame with a white side x side square at (x, y).
func squareFrame(seq uint64, w, h, x, y, side int) frame.Frame {
	var f frame.Frame
	f.Resize(w, h)
	for yy := y; yy < y+side; yy++ {
		for xx := x; xx < x+side; xx++ {
			i := (yy*w + xx) * frame.Channels
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 255, 255, 255
		}
	}
	f.Seq = seq
	f.Sum = f.Checksum()
	return f
}

func newUpstream(t *testing.T) (*host.Host, *host.Var) {
	t.Helper()
	h := host.New()
	t.Cleanup(h.Close)
	obj, err := h.NewObject("cam")
	if err != nil {
		t.Fatal(err)
	}
	img, err := obj.NewVar("image", frame.Frame{}, host.ReadOnly())
	if err != nil {
		t.Fatal(err)
	}
	return h, img
}

func TestBrightAnalyzer(t *testing.T) {
	f := squareFrame(1, 40, 30, 10, 5, 4)
	r := Bright(200).Analyze(f)
	if r.Bounds != image.Rect(10, 5, 14, 9) {
		t.Errorf("Bounds = %v, want (10,5)-(14,9)", r.Bounds)
	}
	if r.CX != 11.5 || r.CY != 6.5 {
		t.Errorf("centroid = (%v, %v), want (11.5, 6.5)", r.CX, r.CY)
	}

	var black frame.Frame
	black.Resize(8, 8)
	if r := Bright(200).Analyze(black); !r.Empty() {
		t.Errorf("black frame region = %v", r.Bounds)
	}
}

func TestMotionAnalyzer(t *testing.T) {
	m := &Motion{Threshold: 30}
	if r := m.Analyze(squareFrame(1, 20, 20, 0, 0, 4)); !r.Empty() {
		t.Error("first frame reported motion")
	}
	if r := m.Analyze(squareFrame(2, 20, 20, 0, 0, 4)); !r.Empty() {
		t.Error("identical frame reported motion")
	}
	r := m.Analyze(squareFrame(3, 20, 20, 10, 10, 4))
	if r.Bounds != image.Rect(0, 0, 14, 14) {
		t.Errorf("motion bounds = %v, want both squares", r.Bounds)
	}
}

func TestResultFor(t *testing.T) {
	tests := []struct {
		name   string
		region Region
		factor int
		want   Result
	}{
		{
			name: "zero area",
			want: Result{Seq: 7},
		},
		{
			name:   "square left of center",
			region: Region{Bounds: image.Rect(10, 10, 20, 20), CX: 14.5, CY: 14.5},
			factor: 1,
			want:   Result{Seq: 7, Visible: true, X: -5, Y: 5, Width: 10, Height: 10},
		},
		{
			name:   "downscaled by two",
			region: Region{Bounds: image.Rect(5, 5, 10, 10), CX: 7, CY: 7},
			factor: 2,
			want:   Result{Seq: 7, Visible: true, X: -5, Y: 5, Width: 10, Height: 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultFor(tt.region, 7, 40, 40, max(tt.factor, 1)); got != tt.want {
				t.Errorf("resultFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPushMode(t *testing.T) {
	h, upstream := newUpstream(t)
	s, err := New(h, Options{Name: "spot", Source: "cam", Threshold: 200, Notify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Mode() != subscription.Push {
		t.Fatalf("Mode() = %v, want push", s.Mode())
	}
	ctx := context.Background()

	// 40x40, square centered at (15, 15)
	if err := upstream.Notify(ctx, squareFrame(1, 40, 40, 10, 10, 10)); err != nil {
		t.Fatal(err)
	}
	got := s.Result()
	want := Result{Seq: 1, Visible: true, X: -5, Y: 5, Width: 10, Height: 10}
	if got != want {
		t.Errorf("Result() = %+v, want %+v", got, want)
	}

	vis, _ := h.Lookup("spot", VarVisible)
	x, _ := h.Lookup("spot", VarX)
	if !vis.Bool() || x.Int() != -5 {
		t.Errorf("vars visible=%v x=%v", vis.Value(), x.Value())
	}

	// a repeated sequence is not processed twice
	upstream.Notify(ctx, squareFrame(1, 40, 40, 0, 0, 10))
	if s.Processed() != 1 {
		t.Errorf("Processed() = %d after duplicate push", s.Processed())
	}

	// an empty frame clears visibility
	var black frame.Frame
	black.Resize(40, 40)
	black.Seq = 2
	upstream.Notify(ctx, black)
	if r := s.Result(); r.Visible || r.X != 0 || r.Y != 0 {
		t.Errorf("Result() on black frame = %+v", r)
	}

	out, _ := h.Lookup("spot", VarImage)
	if f := out.Value().(frame.Frame); f.Width != 40 || f.Seq != 2 {
		t.Errorf("output image %dx%d seq %d", f.Width, f.Height, f.Seq)
	}
}

func TestPullMode(t *testing.T) {
	h, upstream := newUpstream(t)

	var seq uint64
	upstream.NotifyAccess(func(context.Context) error {
		seq++
		upstream.Store(squareFrame(seq, 20, 20, 2, 2, 4))
		return nil
	})

	s, err := New(h, Options{Name: "spot", Source: "cam", Threshold: 200, Rate: 100})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Mode() != subscription.Pull {
		t.Fatalf("Mode() = %v, want pull", s.Mode())
	}

	deadline := time.Now().Add(time.Second)
	for s.Processed() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames pulled in 1s at 100/s", s.Processed())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r := s.Result(); !r.Visible {
		t.Errorf("Result() = %+v, want visible", r)
	}

	fps, _ := h.Lookup("spot", VarFPS)
	if fps.Float() <= 0 {
		t.Errorf("measured fps = %v", fps.Value())
	}
}

func TestNotifyToggle(t *testing.T) {
	h, upstream := newUpstream(t)
	s, err := New(h, Options{Name: "spot", Source: "cam", Notify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	notify, _ := h.Lookup("spot", VarNotify)
	ctx := context.Background()

	if _, n := upstream.Hooks(); n != 1 {
		t.Fatalf("%d upstream change hooks in push mode, want 1", n)
	}
	notify.Set(ctx, true)
	if _, n := upstream.Hooks(); n != 1 {
		t.Errorf("%d upstream change hooks after repeated enable, want 1", n)
	}

	notify.Set(ctx, false)
	if _, n := upstream.Hooks(); n != 0 {
		t.Errorf("%d upstream change hooks in pull mode, want 0", n)
	}

	s.Close()
	if _, ok := h.Object("spot"); ok {
		t.Error("stage object still registered after Close")
	}
}

func TestScaleClamped(t *testing.T) {
	h, upstream := newUpstream(t)
	s, err := New(h, Options{Name: "spot", Source: "cam", Threshold: 200, Notify: true, Scale: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	upstream.Notify(ctx, squareFrame(1, 40, 40, 10, 10, 10))
	r := s.Result()
	if !r.Visible || r.X < -7 || r.X > -3 || r.Y < 3 || r.Y > 7 {
		t.Errorf("downscaled result = %+v, want near (-5, 5)", r)
	}
	out, _ := h.Lookup("spot", VarImage)
	if f := out.Value().(frame.Frame); f.Width != 20 || f.Height != 20 {
		t.Errorf("output image %dx%d, want 20x20", f.Width, f.Height)
	}

	scale, _ := h.Lookup("spot", VarScale)
	if err := scale.Set(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if scale.Int() != 1 {
		t.Errorf("scale = %v, want clamped to 1", scale.Value())
	}
}

func TestUnknownSourceAndAnalyzer(t *testing.T) {
	h, _ := newUpstream(t)
	if _, err := New(h, Options{Name: "a", Source: "nope"}); err == nil {
		t.Error("New() accepted an unknown source")
	}
	if _, err := New(h, Options{Name: "b", Source: "cam", Analyzer: "faces"}); err == nil {
		t.Error("New() accepted an unknown analyzer")
	}
}
