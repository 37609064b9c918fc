package output

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/overlay"
	"github.com/bryanchriswhite/framegrab/internal/rate"
)

// MJPEGStats is a snapshot of a preview stream.
type MJPEGStats struct {
	Object     string    `json:"object"`
	Frames     uint64    `json:"frames"`
	Dropped    uint64    `json:"dropped"`
	Clients    int       `json:"clients"`
	FPS        float64   `json:"fps"`
	LastSeq    uint64    `json:"last_seq"`
	LastUpdate time.Time `json:"last_update"`
}

// MJPEG streams the frames of one object as Motion JPEG over HTTP. Frames
// are offered by WriteFrame, usually from a change hook on the object's
// image var, and encoded on a separate goroutine so the publisher never
// waits on the encoder. While the encoder is busy only the newest offered
// frame is kept.
type MJPEG struct {
	object string
	config Config
	stamp  overlay.Stamp
	log    *zerolog.Logger

	mu      sync.RWMutex
	running bool
	pending chan frame.Frame
	done    chan struct{}

	frameMu    sync.RWMutex
	current    []byte
	lastSeq    uint64
	lastUpdate time.Time
	meter      rate.Meter

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	statsMu sync.Mutex
	frames  uint64
	dropped uint64
}

// NewMJPEG creates a preview stream for object.
func NewMJPEG(object string, config Config) (*MJPEG, error) {
	stamp := overlay.DefaultStamp()
	corner, err := overlay.ParseCorner(config.Corner)
	if err != nil {
		return nil, err
	}
	stamp.Corner = corner

	return &MJPEG{
		object:  object,
		config:  config,
		stamp:   stamp,
		log:     logger.WithObject("output", object),
		clients: make(map[chan []byte]struct{}),
	}, nil
}

// Start launches the encoder.
func (m *MJPEG) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output for %s already running", m.object)
	}
	m.running = true
	m.pending = make(chan frame.Frame, 1)
	m.done = make(chan struct{})
	go m.encode(m.pending, m.done)

	m.log.Info().Int("quality", m.config.quality()).Bool("stamp", m.config.Stamp).Msg("MJPEG output started")
	return nil
}

// Stop halts the encoder and disconnects all clients.
func (m *MJPEG) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.pending)
	done := m.done
	m.mu.Unlock()
	<-done

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	s := m.Stats()
	m.log.Info().Uint64("frames", s.Frames).Uint64("dropped", s.Dropped).Msg("MJPEG output stopped")
	return nil
}

// WriteFrame hands f to the encoder. If the encoder still holds an older
// frame, that frame is replaced and counted as dropped.
func (m *MJPEG) WriteFrame(f frame.Frame) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return ErrNotRunning
	}
	if f.Empty() {
		return nil
	}

	for {
		select {
		case m.pending <- f:
			return nil
		default:
		}
		select {
		case <-m.pending:
			m.statsMu.Lock()
			m.dropped++
			m.statsMu.Unlock()
		default:
		}
	}
}

// Bind feeds the stream from v's change hooks. The returned function
// removes the hook.
func (m *MJPEG) Bind(v *host.Var) func() {
	return Bind(m, v, m.log)
}

// Poll reads v every period until ctx is done. See the package-level Poll.
func (m *MJPEG) Poll(ctx context.Context, v *host.Var, period time.Duration) {
	Poll(ctx, m, v, period, m.log)
}

func (m *MJPEG) encode(pending <-chan frame.Frame, done chan<- struct{}) {
	defer close(done)
	var buf bytes.Buffer
	for f := range pending {
		buf.Reset()
		if err := m.encodeFrame(&buf, f); err != nil {
			m.log.Warn().Err(err).Uint64("seq", f.Seq).Msg("JPEG encoding failed")
			continue
		}
		data := bytes.Clone(buf.Bytes())

		now := time.Now()
		m.frameMu.Lock()
		m.current = data
		m.lastSeq = f.Seq
		m.lastUpdate = now
		m.meter.Mark(now)
		m.frameMu.Unlock()

		m.statsMu.Lock()
		m.frames++
		m.statsMu.Unlock()

		m.clientsMu.RLock()
		for ch := range m.clients {
			select {
			case ch <- data:
			default:
				// slow client, skip this frame
			}
		}
		m.clientsMu.RUnlock()
	}
}

func (m *MJPEG) encodeFrame(buf *bytes.Buffer, f frame.Frame) error {
	img := f.ToRGBA()
	if m.config.Stamp {
		m.stamp.Render(img, overlay.Label(m.object, f))
	}
	return jpeg.Encode(buf, img, &jpeg.Options{Quality: m.config.quality()})
}

// Name returns a description of the output.
func (m *MJPEG) Name() string {
	return "MJPEG preview of " + m.object
}

// IsRunning reports whether the encoder is active.
func (m *MJPEG) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Snapshot returns the most recent encoded frame.
func (m *MJPEG) Snapshot() ([]byte, bool) {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.current, m.current != nil
}

// Stats returns a snapshot of counters.
func (m *MJPEG) Stats() MJPEGStats {
	m.frameMu.RLock()
	s := MJPEGStats{
		Object:     m.object,
		FPS:        m.meter.Rate(),
		LastSeq:    m.lastSeq,
		LastUpdate: m.lastUpdate,
	}
	m.frameMu.RUnlock()

	m.statsMu.Lock()
	s.Frames, s.Dropped = m.frames, m.dropped
	m.statsMu.Unlock()

	m.clientsMu.RLock()
	s.Clients = len(m.clients)
	m.clientsMu.RUnlock()
	return s
}

// StreamHandler serves the multipart/x-mixed-replace stream. The latest
// frame, if any, is sent first so a new viewer sees an image at once.
func (m *MJPEG) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		ch := make(chan []byte, 2)
		if data, ok := m.Snapshot(); ok {
			ch <- data
		}

		m.clientsMu.Lock()
		m.clients[ch] = struct{}{}
		n := len(m.clients)
		m.clientsMu.Unlock()
		m.log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("MJPEG client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, ch)
			n := len(m.clients)
			m.clientsMu.Unlock()
			m.log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("MJPEG client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				if err := writePart(w, data); err != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// SnapshotHandler serves the latest frame as a single JPEG, or 503 before
// the first one.
func (m *MJPEG) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, ok := m.Snapshot()
		if !ok {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Write(data)
	}
}

// ViewerHandler serves a minimal page showing the stream at streamPath.
func (m *MJPEG) ViewerHandler(streamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, viewerHTML, m.object, streamPath)
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { background: #000; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
        img { width: 100vw; height: 100vh; object-fit: contain; display: block; }
    </style>
</head>
<body>
    <img src="%s" alt="preview">
</body>
</html>
`
