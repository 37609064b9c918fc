// Package stage implements per-frame processing stages that consume the
// image var of an upstream object, either pushed to them on every change
// or pulled on their own update tick.
package stage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/rate"
	"github.com/bryanchriswhite/framegrab/internal/subscription"
)

// Var names published by a Stage.
const (
	VarImage   = "image"
	VarVisible = "visible"
	VarX       = "x"
	VarY       = "y"
	VarWidth   = "width"
	VarHeight  = "height"
	VarFPS     = "fps"
	VarRate    = "rate"
	VarNotify  = "notify"
	VarScale   = "scale"
)

// Options configures a Stage.
type Options struct {
	Name      string
	Source    string // upstream object; its "image" var is consumed
	Analyzer  string
	Threshold int
	Scale     int
	Notify    bool    // push from upstream instead of polling it
	Rate      float64 // polling rate in pull mode
}

// Result is the outcome of analyzing one frame. X and Y locate the region
// centroid relative to the image center with y pointing up; sizes are in
// input pixels. A stage that found nothing reports Visible false and zeros.
type Result struct {
	Seq     uint64 `json:"seq"`
	Visible bool   `json:"visible"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// Stage analyzes frames from an upstream image var.
type Stage struct {
	name     string
	host     *host.Host
	obj      *host.Object
	upstream *host.Var
	analyzer Analyzer
	log      *zerolog.Logger

	rate  *rate.Controller
	sub   *subscription.Controller
	meter rate.Meter

	image   *host.Var
	visible *host.Var
	x, y    *host.Var
	width   *host.Var
	height  *host.Var
	fps     *host.Var
	rateVar *host.Var
	notify  *host.Var
	scale   *host.Var

	unregister []func()

	// mu serializes processing.
	mu        sync.Mutex
	lastSeq   uint64
	factor    int
	last      Result
	processed uint64
	closed    bool

	closeOnce sync.Once
}

// New creates a stage bound to the image var of opts.Source.
func New(h *host.Host, opts Options) (*Stage, error) {
	upstream, err := h.Lookup(opts.Source, "image")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", opts.Name, err)
	}
	if opts.Analyzer == "" {
		opts.Analyzer = "bright"
	}
	analyzer, err := NewAnalyzer(opts.Analyzer, opts.Threshold)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", opts.Name, err)
	}
	return NewWithAnalyzer(h, upstream, analyzer, opts)
}

// NewWithAnalyzer creates a stage with a caller-supplied analyzer.
func NewWithAnalyzer(h *host.Host, upstream *host.Var, analyzer Analyzer, opts Options) (*Stage, error) {
	obj, err := h.NewObject(opts.Name)
	if err != nil {
		return nil, err
	}

	s := &Stage{
		name:     opts.Name,
		host:     h,
		obj:      obj,
		upstream: upstream,
		analyzer: analyzer,
		log:      logger.WithObject("stage", opts.Name),
		factor:   max(opts.Scale, 1),
	}
	s.rate = rate.New(obj)
	s.sub = subscription.New(subscription.BinderFunc(s.bind), s.process)

	if err := s.declareVars(opts); err != nil {
		h.RemoveObject(opts.Name)
		return nil, err
	}

	s.rate.Set(opts.Rate)
	s.sub.SetMode(opts.Notify)

	s.unregister = append(s.unregister,
		s.notify.NotifyChange(s.onNotify),
		s.rateVar.NotifyChange(s.onRate),
		s.scale.NotifyChange(s.onScale),
	)

	s.log.Info().
		Str("source", upstream.Path()).
		Stringer("mode", s.sub.State()).
		Int("scale", s.factor).
		Msg("Stage started")
	return s, nil
}

func (s *Stage) declareVars(opts Options) error {
	ro := []host.VarOption{host.ReadOnly()}
	decl := []struct {
		dst     **host.Var
		name    string
		initial any
		opts    []host.VarOption
	}{
		{&s.image, VarImage, frame.Frame{}, ro},
		{&s.visible, VarVisible, false, ro},
		{&s.x, VarX, 0, ro},
		{&s.y, VarY, 0, ro},
		{&s.width, VarWidth, 0, ro},
		{&s.height, VarHeight, 0, ro},
		{&s.fps, VarFPS, 0.0, ro},
		{&s.rateVar, VarRate, opts.Rate, nil},
		{&s.notify, VarNotify, opts.Notify, nil},
		{&s.scale, VarScale, s.factor, nil},
	}
	for _, d := range decl {
		v, err := s.obj.NewVar(d.name, d.initial, d.opts...)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

// bind registers a change hook on the upstream var for push, or the
// polling update for pull.
func (s *Stage) bind(state subscription.State) func() {
	switch state {
	case subscription.Push:
		return s.upstream.NotifyChange(func(ctx context.Context, v any) error {
			f, ok := v.(frame.Frame)
			if !ok || f.Empty() {
				return nil
			}
			if _, err := s.sub.Deliver(ctx, f); err != nil {
				s.log.Debug().Err(err).Msg("Processing failed")
			}
			return nil
		})
	case subscription.Pull:
		s.obj.SetUpdate(s.Update)
		return func() { s.obj.SetUpdate(nil) }
	default:
		return func() {}
	}
}

// Update is the pull-mode tick: it reads the upstream var, which runs the
// upstream access hooks, and processes the frame if it is new.
func (s *Stage) Update(ctx context.Context) error {
	v, err := s.upstream.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	f, ok := v.(frame.Frame)
	if !ok || f.Empty() {
		return nil
	}
	return s.process(ctx, f)
}

// Process analyzes f unless a frame with the same or a later sequence has
// already been processed.
func (s *Stage) Process(ctx context.Context, f frame.Frame) (Result, error) {
	if err := s.process(ctx, f); err != nil {
		return Result{}, err
	}
	return s.Result(), nil
}

var errClosed = errors.New("stage closed")

func (s *Stage) process(ctx context.Context, f frame.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if f.Seq != 0 && f.Seq <= s.lastSeq {
		s.mu.Unlock()
		return nil
	}
	s.lastSeq = f.Seq
	factor := s.factor

	in := f
	if factor > 1 {
		in = downscale(f, factor)
	}
	region := s.analyzer.Analyze(in)
	res := resultFor(region, f.Seq, f.Width, f.Height, factor)
	out := annotate(in, region)

	s.last = res
	s.processed++
	s.mu.Unlock()

	s.visible.Store(res.Visible)
	s.x.Store(res.X)
	s.y.Store(res.Y)
	s.width.Store(res.Width)
	s.height.Store(res.Height)
	s.fps.Store(s.meter.Mark(time.Now()))
	return s.image.Notify(ctx, out)
}

// resultFor maps a region found in a frame downscaled by factor back to the
// w x h input, relative to its center.
func resultFor(r Region, seq uint64, w, h, factor int) Result {
	if r.Empty() {
		return Result{Seq: seq}
	}
	fx := float64(factor)
	cx, cy := (r.CX+0.5)*fx, (r.CY+0.5)*fx
	return Result{
		Seq:     seq,
		Visible: true,
		X:       int(cx - float64(w)/2),
		Y:       int(-cy + float64(h)/2),
		Width:   r.Bounds.Dx() * factor,
		Height:  r.Bounds.Dy() * factor,
	}
}

// downscale shrinks f by an integer factor with bilinear filtering.
func downscale(f frame.Frame, factor int) frame.Frame {
	w, h := max(f.Width/factor, 1), max(f.Height/factor, 1)
	src := f.ToRGBA()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := frame.FromImage(dst)
	out.Seq = f.Seq
	out.Timestamp = f.Timestamp
	out.Sum = out.Checksum()
	return out
}

var boxColor = image.NewUniform(color.RGBA{R: 0, G: 255, B: 0, A: 255})

// annotate returns a copy of f with the region outlined.
func annotate(f frame.Frame, r Region) frame.Frame {
	if r.Empty() {
		return f.Clone()
	}
	img := f.ToRGBA()
	b := r.Bounds
	for _, edge := range []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+1),
		image.Rect(b.Min.X, b.Max.Y-1, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+1, b.Max.Y),
		image.Rect(b.Max.X-1, b.Min.Y, b.Max.X, b.Max.Y),
	} {
		draw.Draw(img, edge, boxColor, image.Point{}, draw.Src)
	}

	out := frame.FromImage(img)
	out.Seq = f.Seq
	out.Timestamp = f.Timestamp
	out.Sum = out.Checksum()
	return out
}

func (s *Stage) onNotify(_ context.Context, v any) error {
	if err := s.sub.SetMode(cast.ToBool(v)); err != nil {
		return err
	}
	s.log.Debug().Stringer("mode", s.sub.State()).Msg("Subscription changed")
	return nil
}

func (s *Stage) onRate(_ context.Context, v any) error {
	s.rate.Set(cast.ToFloat64(v))
	return nil
}

// onScale clamps the factor to at least 1.
func (s *Stage) onScale(_ context.Context, v any) error {
	factor := max(cast.ToInt(v), 1)
	s.mu.Lock()
	s.factor = factor
	s.mu.Unlock()
	s.scale.Store(factor)
	return nil
}

// Name returns the host object name.
func (s *Stage) Name() string { return s.name }

// Object returns the stage's host object.
func (s *Stage) Object() *host.Object { return s.obj }

// Image returns the annotated output image var.
func (s *Stage) Image() *host.Var { return s.image }

// Mode returns the subscription state.
func (s *Stage) Mode() subscription.State { return s.sub.State() }

// Result returns the latest analysis.
func (s *Stage) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Processed returns the number of frames analyzed.
func (s *Stage) Processed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

// Close unsubscribes from the upstream var and removes the host object.
func (s *Stage) Close() {
	s.closeOnce.Do(func() {
		s.sub.Close()
		for _, fn := range s.unregister {
			fn()
		}
		s.host.RemoveObject(s.name)

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.log.Info().Msg("Stage stopped")
	})
}
