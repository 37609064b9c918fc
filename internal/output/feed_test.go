package output

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

type recordingOutput struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recordingOutput) Start() error    { return nil }
func (r *recordingOutput) Stop() error     { return nil }
func (r *recordingOutput) Name() string    { return "recorder" }
func (r *recordingOutput) IsRunning() bool { return true }

func (r *recordingOutput) WriteFrame(f frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, f.Seq)
	return nil
}

func (r *recordingOutput) written() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func newImageVar(t *testing.T) *host.Var {
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
	return img
}

func TestFeedSwitchesBetweenPushAndPoll(t *testing.T) {
	img := newImageVar(t)
	var next atomic.Uint64
	next.Store(1)
	img.NotifyAccess(func(context.Context) error {
		img.Store(grayFrame(next.Add(1), 4, 4, 10))
		return nil
	})

	out := &recordingOutput{}
	f := NewFeed(context.Background(), out, img, logger.WithComponent("output"))
	defer f.Close()

	ctx := context.Background()
	img.Notify(ctx, grayFrame(1, 4, 4, 10))
	img.Notify(ctx, grayFrame(1, 4, 4, 10))
	if got := out.written(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("after duplicate push: %v, want [1]", got)
	}
	if f.Polling() {
		t.Error("polling before SetPeriod")
	}

	f.SetPeriod(5 * time.Millisecond)
	if !f.Polling() {
		t.Fatal("not polling after SetPeriod")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(out.written()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %v written while polling", out.written())
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.SetPeriod(0)
	if f.Polling() {
		t.Error("still polling after SetPeriod(0)")
	}
	n := len(out.written())
	time.Sleep(30 * time.Millisecond)
	got := out.written()
	if len(got) != n {
		t.Errorf("%d frames written after polling stopped", len(got)-n)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("sequence not increasing: %v", got)
		}
	}
}

func TestFeedCloseUnbinds(t *testing.T) {
	img := newImageVar(t)
	out := &recordingOutput{}
	f := NewFeed(context.Background(), out, img, logger.WithComponent("output"))
	f.SetPeriod(5 * time.Millisecond)
	f.Close()

	if f.Polling() {
		t.Error("polling after Close")
	}
	if _, change := img.Hooks(); change != 0 {
		t.Errorf("%d change hooks left after Close", change)
	}
	img.Notify(context.Background(), grayFrame(3, 4, 4, 0))
	if got := out.written(); len(got) != 0 {
		t.Errorf("written after Close: %v", got)
	}
	f.SetPeriod(5 * time.Millisecond)
	if f.Polling() {
		t.Error("SetPeriod restarted polling after Close")
	}
}
