package output

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
)

func grayFrame(seq uint64, w, h int, v byte) frame.Frame {
	var f frame.Frame
	f.Resize(w, h)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	f.Seq = seq
	f.Sum = f.Checksum()
	return f
}

func startMJPEG(t *testing.T, cfg Config) *MJPEG {
	t.Helper()
	m, err := NewMJPEG("cam", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func waitFrames(t *testing.T, m *MJPEG, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Frames < n {
		if time.Now().After(deadline) {
			t.Fatalf("encoded %d frames, want %d", m.Stats().Frames, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriteFrameRequiresStart(t *testing.T) {
	m, err := NewMJPEG("cam", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFrame(grayFrame(1, 4, 4, 0)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("WriteFrame() before Start = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
	m.Stop()
	if m.IsRunning() {
		t.Error("IsRunning() after Stop")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestBadCorner(t *testing.T) {
	if _, err := NewMJPEG("cam", Config{Corner: "center"}); err == nil {
		t.Error("NewMJPEG() accepted an unknown corner")
	}
}

func TestSnapshot(t *testing.T) {
	m := startMJPEG(t, Config{Quality: 95})

	rec := httptest.NewRecorder()
	m.SnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before first frame = %d", rec.Code)
	}

	if err := m.WriteFrame(grayFrame(3, 16, 8, 200)); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, m, 1)

	rec = httptest.NewRecorder()
	m.SnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("status %d, content type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("decoded %v", b)
	}
	r, _, _, _ := img.At(8, 4).RGBA()
	if r>>8 < 190 || r>>8 > 210 {
		t.Errorf("decoded gray level %d, want ~200", r>>8)
	}
	if s := m.Stats(); s.LastSeq != 3 || s.Object != "cam" {
		t.Errorf("stats = %+v", s)
	}
}

func TestBindFeedsFromVar(t *testing.T) {
	h := host.New()
	defer h.Close()
	obj, err := h.NewObject("cam")
	if err != nil {
		t.Fatal(err)
	}
	img, err := obj.NewVar("image", frame.Frame{}, host.ReadOnly())
	if err != nil {
		t.Fatal(err)
	}

	m := startMJPEG(t, Config{Stamp: true})
	unbind := m.Bind(img)

	ctx := context.Background()
	if err := img.Notify(ctx, grayFrame(1, 64, 32, 0)); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, m, 1)

	unbind()
	img.Notify(ctx, grayFrame(2, 64, 32, 0))
	time.Sleep(50 * time.Millisecond)
	if s := m.Stats(); s.Frames != 1 || s.LastSeq != 1 {
		t.Errorf("stats after unbind = %+v", s)
	}
}

func TestPollReadsThroughAccessHooks(t *testing.T) {
	h := host.New()
	defer h.Close()
	obj, _ := h.NewObject("cam")
	img, _ := obj.NewVar("image", frame.Frame{}, host.ReadOnly())

	var seq uint64
	img.NotifyAccess(func(context.Context) error {
		seq++
		img.Store(grayFrame(seq, 8, 8, 50))
		return nil
	})

	m := startMJPEG(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Poll(ctx, img, 10*time.Millisecond)
		close(done)
	}()

	waitFrames(t, m, 3)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after cancel")
	}
}

func TestStreamHandler(t *testing.T) {
	m := startMJPEG(t, Config{})
	srv := httptest.NewServer(m.StreamHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	// wait for the client to register before publishing
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Clients == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		for seq := uint64(1); seq <= 3; seq++ {
			m.WriteFrame(grayFrame(seq, 8, 8, 100))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	mr := multipart.NewReader(bufio.NewReader(resp.Body), "frame")
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
			t.Errorf("part %d is not a JPEG: %v", i, err)
		}
	}
}

func TestViewerHandler(t *testing.T) {
	m, _ := NewMJPEG("cam", Config{})
	rec := httptest.NewRecorder()
	m.ViewerHandler("/stream/cam")(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if body := rec.Body.String(); !strings.Contains(body, `src="/stream/cam"`) {
		t.Errorf("viewer page does not reference the stream: %s", body)
	}
}
