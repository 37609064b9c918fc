package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/device"
	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/orientation"
	"github.com/bryanchriswhite/framegrab/internal/subscription"
)

func newCamera(t *testing.T, fps float64, opts Options) (*host.Host, *Camera) {
	t.Helper()
	h := host.New()
	if opts.Name == "" {
		opts.Name = "cam"
	}
	c, err := New(context.Background(), h, device.NewSynthetic(32, 24, fps), opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		h.Close()
	})
	return h, c
}

// TestPullAt25FPSFrom60HzDevice polls the image var every 40ms for one
// second against a 60Hz device.
func TestPullAt25FPSFrom60HzDevice(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	h, _ := newCamera(t, 60, Options{FPS: 25})

	img, err := h.Lookup("cam", VarImage)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	var seqs []uint64
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Second)

loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			v, err := img.Get(ctx)
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			seqs = append(seqs, v.(frame.Frame).Seq)
		}
	}

	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing at %d: %v", i, seqs)
		}
	}
	n := len(seqs)
	if n < 20 || n > 27 {
		t.Errorf("got %d distinct frames, want about 25", n)
	}
	// 60 produced per 25 read: about 2.4 sequence numbers between reads
	if n > 1 {
		gap := float64(seqs[n-1]-seqs[0]) / float64(n-1)
		if gap < 1.8 || gap > 3.2 {
			t.Errorf("mean sequence gap %.2f, want about 2.4", gap)
		}
	}
}

func TestGetReturnsCachedWhenNothingNew(t *testing.T) {
	_, c := newCamera(t, 2, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	second, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != first.Seq {
		t.Errorf("second Get() seq %d, want cached %d", second.Seq, first.Seq)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("cached Get() blocked")
	}
	if got := len(first.Pix); got != 32*24*3 {
		t.Errorf("frame has %d bytes, want %d", got, 32*24*3)
	}
}

func TestOrientationVar(t *testing.T) {
	h, c := newCamera(t, 120, Options{})
	ctx := context.Background()

	width, _ := h.Lookup("cam", VarWidth)
	height, _ := h.Lookup("cam", VarHeight)
	orient, _ := h.Lookup("cam", VarOrientation)

	if err := c.SetOrientation(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if width.Int() != 24 || height.Int() != 32 {
		t.Errorf("after 90°: %dx%d, want 24x32", width.Int(), height.Int())
	}

	err := orient.Set(ctx, 7)
	if !errors.Is(err, orientation.ErrInvalidConfiguration) {
		t.Fatalf("Set(7) error = %v, want ErrInvalidConfiguration", err)
	}
	if orient.Int() != 1 || width.Int() != 24 || height.Int() != 32 {
		t.Errorf("state changed after rejected set: orientation=%d %dx%d", orient.Int(), width.Int(), height.Int())
	}

	// frames produced after the change are rotated
	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for {
		f, err := c.Get(tctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Width == 24 && f.Height == 32 {
			break
		}
	}

	if err := width.Set(ctx, 10); !errors.Is(err, host.ErrReadOnly) {
		t.Errorf("width.Set() error = %v, want ErrReadOnly", err)
	}
}

func TestPushMode(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	h, c := newCamera(t, 60, Options{FPS: 25})
	img, _ := h.Lookup("cam", VarImage)

	var mu sync.Mutex
	seen := make(map[uint64]int)
	unregister := img.NotifyChange(func(_ context.Context, v any) error {
		mu.Lock()
		seen[v.(frame.Frame).Seq]++
		mu.Unlock()
		return nil
	})
	defer unregister()

	ctx := context.Background()
	// enabling twice registers one update callback
	if err := c.SetSubscribe(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSubscribe(ctx, true); err != nil {
		t.Fatal(err)
	}
	if c.Mode() != subscription.Push {
		t.Fatalf("Mode() = %v, want push", c.Mode())
	}
	if access, _ := img.Hooks(); access != 0 {
		t.Errorf("%d access hooks left in push mode", access)
	}

	time.Sleep(time.Second)
	if err := c.SetSubscribe(ctx, false); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	n := len(seen)
	for seq, count := range seen {
		if count != 1 {
			t.Errorf("seq %d pushed %d times", seq, count)
		}
	}
	mu.Unlock()
	if n < 18 || n > 27 {
		t.Errorf("%d frames pushed in 1s at 25fps", n)
	}

	// pull mode: no more pushes, one access hook
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	after := len(seen)
	mu.Unlock()
	if after > n+1 {
		t.Errorf("%d pushes after switching to pull", after-n)
	}
	if access, _ := img.Hooks(); access != 1 {
		t.Errorf("%d access hooks in pull mode, want 1", access)
	}
}

func TestOpenFailure(t *testing.T) {
	h := host.New()
	defer h.Close()

	_, err := Open(context.Background(), h, Options{Name: "bad", URI: "nosuch://device"})
	if !errors.Is(err, device.ErrOpen) {
		t.Errorf("Open() error = %v, want ErrOpen", err)
	}
	if _, ok := h.Object("bad"); ok {
		t.Error("object registered after failed open")
	}

	_, err = Open(context.Background(), h, Options{Name: "bad", URI: "synthetic://", Orientation: 5})
	if !errors.Is(err, orientation.ErrInvalidConfiguration) {
		t.Errorf("Open() error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	h := host.New()
	defer h.Close()

	// 0.5 fps: after the first frame nothing new arrives for 2s
	c, err := New(context.Background(), h, device.NewSynthetic(8, 8, 0.5), Options{Name: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		seen := c.accessedSeq.Load()
		_, err := c.slot.WaitForNext(context.Background(), seen)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, frame.ErrClosed) {
			t.Errorf("waiter error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	if _, err := c.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v", err)
	}
	if _, ok := h.Object("slow"); ok {
		t.Error("object still registered after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestStatsDuringOutage(t *testing.T) {
	h := host.New()
	defer h.Close()

	dev := device.NewSynthetic(8, 8, 100)
	dev.NoDataEvery = 1
	c, err := New(context.Background(), h, dev, Options{Name: "dark"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waiting := make(chan struct{})
	go func() {
		defer close(waiting)
		c.Get(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan Stats, 1)
	go func() { done <- c.Stats() }()
	select {
	case s := <-done:
		if s.GrabbedSeq != 0 || s.AccessedSeq != 0 {
			t.Errorf("stats during outage = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Stats() blocked behind a waiting Get")
	}

	cancel()
	<-waiting
}

func TestConcurrentOrientation(t *testing.T) {
	h, c := newCamera(t, 60, Options{})
	width, _ := h.Lookup("cam", VarWidth)
	height, _ := h.Lookup("cam", VarHeight)
	orient, _ := h.Lookup("cam", VarOrientation)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.SetOrientation(ctx, (i+j)%4)
			}
		}(i)
	}
	wg.Wait()

	mode := orientation.Mode(orient.Int())
	w, hh := mode.Dimensions(32, 24)
	if width.Int() != w || height.Int() != hh {
		t.Errorf("orientation %d reports %dx%d, want %dx%d", orient.Int(), width.Int(), height.Int(), w, hh)
	}
	if cw, ch := c.Size(); cw != w || ch != hh {
		t.Errorf("Size() = %dx%d, want %dx%d", cw, ch, w, hh)
	}
}

func TestStats(t *testing.T) {
	h, c := newCamera(t, 200, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	s := c.Stats()
	if s.AccessedSeq == 0 || s.DeliveredSeq < s.AccessedSeq || s.GrabbedSeq < s.DeliveredSeq {
		t.Errorf("stats = %+v", s)
	}
	if s.Mode != "pull" || s.Target == "" {
		t.Errorf("mode=%q target=%q", s.Mode, s.Target)
	}

	grabbed, _ := h.Lookup("cam", VarGrabbed)
	v, err := grabbed.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.(uint64) == 0 {
		t.Error("grabbed var not refreshed on access")
	}
}
