// Package api exposes the host objects over HTTP: vars can be read and
// written, images fetched as JPEG, and var changes followed over a
// websocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/orientation"
	"github.com/bryanchriswhite/framegrab/internal/output"
)

// Version is reported by /api/health.
var Version = "dev"

// Server is the HTTP front end of a host.
type Server struct {
	router   *mux.Router
	host     *host.Host
	upgrader websocket.Upgrader
	log      *zerolog.Logger
	started  time.Time

	// ReadTimeout bounds var reads that block on a new frame.
	ReadTimeout time.Duration

	mu       sync.RWMutex
	previews map[string]*output.MJPEG
	stats    map[string]func() any

	httpServer *http.Server
}

// NewServer creates a server for h.
func NewServer(h *host.Host) *Server {
	s := &Server{
		router: mux.NewRouter(),
		host:   h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:         logger.WithComponent("api"),
		started:     time.Now(),
		ReadTimeout: 5 * time.Second,
		previews:    make(map[string]*output.MJPEG),
		stats:       make(map[string]func() any),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// AddPreview mounts the stream, snapshot and viewer of m for object.
func (s *Server) AddPreview(object string, m *output.MJPEG) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[object] = m
}

// AddStats registers a diagnostics provider served at
// /api/objects/{object}/stats.
func (s *Server) AddStats(object string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[object] = fn
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/objects", s.handleListObjects).Methods("GET")
	api.HandleFunc("/objects/{object}", s.handleGetObject).Methods("GET")
	api.HandleFunc("/objects/{object}/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/objects/{object}/image.jpg", s.handleImage).Methods("GET")
	api.HandleFunc("/objects/{object}/vars/{var}", s.handleGetVar).Methods("GET")
	api.HandleFunc("/objects/{object}/vars/{var}", s.handleSetVar).Methods("PUT")
	api.HandleFunc("/events", s.handleEvents)

	s.router.HandleFunc("/stream/{object}", s.previewHandler(func(m *output.MJPEG, object string) http.HandlerFunc {
		return m.StreamHandler()
	}))
	s.router.HandleFunc("/snapshot/{object}.jpg", s.previewHandler(func(m *output.MJPEG, object string) http.HandlerFunc {
		return m.SnapshotHandler()
	}))
	s.router.HandleFunc("/view/{object}", s.previewHandler(func(m *output.MJPEG, object string) http.HandlerFunc {
		return m.ViewerHandler("/stream/" + object)
	}))
	s.router.HandleFunc("/", s.handleIndex)
}

// Handler returns the routed handler with CORS headers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an already bound listener until Shutdown. Binding first
// lets callers report readiness once connections can be accepted.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server. A later Serve returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps binding-layer errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, host.ErrUnknownObject), errors.Is(err, host.ErrUnknownVar):
		return http.StatusNotFound
	case errors.Is(err, host.ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, host.ErrBadValue), errors.Is(err, orientation.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// VarInfo describes one var.
type VarInfo struct {
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only"`
	Value    any    `json:"value"`
}

// ObjectInfo describes one object.
type ObjectInfo struct {
	Name         string    `json:"name"`
	UpdatePeriod string    `json:"update_period"`
	Ticks        uint64    `json:"ticks"`
	Vars         []VarInfo `json:"vars"`
	Preview      bool      `json:"preview"`
}

// FrameInfo is how frames appear in JSON; pixel data is never inlined.
type FrameInfo struct {
	Seq       uint64    `json:"seq"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

// Summarize replaces frames with their FrameInfo.
func Summarize(v any) any {
	if f, ok := v.(frame.Frame); ok {
		return FrameInfo{
			Seq:       f.Seq,
			Width:     f.Width,
			Height:    f.Height,
			Timestamp: f.Timestamp,
			Valid:     !f.Empty() && f.Valid(),
		}
	}
	return v
}

func (s *Server) describe(o *host.Object) ObjectInfo {
	info := ObjectInfo{
		Name:         o.Name(),
		UpdatePeriod: o.UpdatePeriod().String(),
		Ticks:        o.Ticks(),
	}
	for _, v := range o.Vars() {
		info.Vars = append(info.Vars, VarInfo{
			Name:     v.Name(),
			ReadOnly: v.ReadOnly(),
			Value:    Summarize(v.Value()),
		})
	}
	s.mu.RLock()
	_, info.Preview = s.previews[o.Name()]
	s.mu.RUnlock()
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": Version,
		"objects": len(s.host.Objects()),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	objs := s.host.Objects()
	out := make([]ObjectInfo, 0, len(objs))
	for _, o := range objs {
		out = append(out, s.describe(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) object(r *http.Request) (*host.Object, error) {
	name := mux.Vars(r)["object"]
	o, ok := s.host.Object(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrUnknownObject, name)
	}
	return o, nil
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	o, err := s.object(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(o))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	o, err := s.object(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mu.RLock()
	fn, ok := s.stats[o.Name()]
	m := s.previews[o.Name()]
	s.mu.RUnlock()

	out := map[string]any{"object": o.Name(), "ticks": o.Ticks()}
	if ok {
		out["source"] = fn()
	}
	if m != nil {
		out["preview"] = m.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetVar reads through the var's access hooks, so reading a source
// image in pull mode waits for a newer frame.
func (s *Server) handleGetVar(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, err := s.host.Lookup(vars["object"], vars["var"])
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.ReadTimeout)
	defer cancel()

	value, err := v.Get(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host.Event{Object: vars["object"], Var: vars["var"], Value: Summarize(value)})
}

func (s *Server) handleSetVar(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, err := s.host.Lookup(vars["object"], vars["var"])
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := v.Set(r.Context(), req.Value); err != nil {
		s.log.Debug().Err(err).Str("var", v.Path()).Msg("Set rejected")
		writeError(w, err)
		return
	}
	s.log.Info().Str("var", v.Path()).Interface("value", v.Value()).Msg("Var set")
	writeJSON(w, http.StatusOK, host.Event{Object: vars["object"], Var: vars["var"], Value: Summarize(v.Value())})
}

// handleImage pulls the object's image var and returns it as a JPEG.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	object := mux.Vars(r)["object"]
	v, err := s.host.Lookup(object, "image")
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.ReadTimeout)
	defer cancel()

	value, err := v.Get(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	f, ok := value.(frame.Frame)
	if !ok || f.Empty() {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToRGBA(), &jpeg.Options{Quality: 90}); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Seq", fmt.Sprint(f.Seq))
	w.Write(buf.Bytes())
}

func (s *Server) previewHandler(fn func(m *output.MJPEG, object string) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		object := mux.Vars(r)["object"]
		s.mu.RLock()
		m, ok := s.previews[object]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "no preview for "+object, http.StatusNotFound)
			return
		}
		fn(m, object)(w, r)
	}
}

// handleEvents streams every var change as JSON. A client that cannot
// keep up loses events rather than stalling the setter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.With().Str("client", id).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("Event client connected")
	defer log.Info().Msg("Event client disconnected")

	events := make(chan host.Event, 64)
	var dropped uint64
	var dropMu sync.Mutex
	unwatch := s.host.Watch(func(ev host.Event) {
		ev.Value = Summarize(ev.Value)
		select {
		case events <- ev:
		default:
			dropMu.Lock()
			dropped++
			dropMu.Unlock()
		}
	})
	defer unwatch()

	// reader: detects close and discards client messages
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"client": id, "objects": len(s.host.Objects())}); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				dropMu.Lock()
				n := dropped
				dropMu.Unlock()
				log.Debug().Err(err).Uint64("dropped", n).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHead)
	for _, o := range s.host.Objects() {
		s.mu.RLock()
		_, preview := s.previews[o.Name()]
		s.mu.RUnlock()
		fmt.Fprintf(w, `<li><a href="/api/objects/%[1]s">%[1]s</a>`, o.Name())
		if preview {
			fmt.Fprintf(w, ` (<a href="/view/%[1]s">view</a>)`, o.Name())
		}
		fmt.Fprint(w, "</li>\n")
	}
	fmt.Fprint(w, indexTail)
}

const indexHead = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>framegrab</title>
    <style>
        body { font-family: system-ui, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>framegrab</h1>
    <p>Endpoints: <code>/api/health</code>, <code>/api/objects</code>, <code>/api/events</code> (websocket)</p>
    <h3>Objects</h3>
    <ul>
`

const indexTail = `    </ul>
</body>
</html>
`
