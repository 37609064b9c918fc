package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/api"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
	"github.com/bryanchriswhite/framegrab/internal/rate"
	"github.com/bryanchriswhite/framegrab/internal/source"
	"github.com/bryanchriswhite/framegrab/internal/stage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the configured sources and serve them over HTTP",
	Long: `Open every configured source and stage, publish them as host objects
and serve the REST API, the websocket event stream and the MJPEG previews.

When started by systemd with Type=notify, readiness is reported once the
HTTP listener is up.`,
	Example: `  # Start with the default config
  framegrab serve

  # Start on a custom port with debug logging
  framegrab serve --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// pipeline holds everything serve opened, for teardown in reverse order.
type pipeline struct {
	host     *host.Host
	sources  []*source.Camera
	stages   []*stage.Stage
	previews []*output.MJPEG
	window   *output.X11Window
	feeds    []*output.Feed
	unbind   []func()
	cancel   context.CancelFunc
}

func (p *pipeline) close() {
	p.cancel()
	for _, fn := range p.unbind {
		fn()
	}
	for _, f := range p.feeds {
		f.Close()
	}
	for _, m := range p.previews {
		m.Stop()
	}
	if p.window != nil {
		p.window.Stop()
	}
	for i := len(p.stages) - 1; i >= 0; i-- {
		p.stages[i].Close()
	}
	for _, c := range p.sources {
		if err := c.Close(); err != nil {
			logger.Get().Warn().Err(err).Str("source", c.Name()).Msg("Close failed")
		}
	}
	p.host.Close()
}

func openPipeline(ctx context.Context, cfg config.Config, server *api.Server, h *host.Host) (*pipeline, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &pipeline{host: h, cancel: cancel}

	for _, sc := range cfg.Sources {
		cam, err := source.Open(ctx, h, source.Options{
			Name:        sc.Name,
			URI:         sc.URI,
			FPS:         sc.FPS,
			Orientation: sc.Orientation,
			Subscribe:   sc.Subscribe,
			Backoff:     sc.Backoff,
		})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		p.sources = append(p.sources, cam)
		server.AddStats(sc.Name, func() any { return cam.Stats() })
	}

	for _, st := range cfg.Stages {
		s, err := stage.New(h, stage.Options{
			Name:      st.Name,
			Source:    st.Source,
			Analyzer:  st.Analyzer,
			Threshold: st.Threshold,
			Scale:     st.Scale,
			Notify:    st.Notify,
			Rate:      st.FPS,
		})
		if err != nil {
			p.close()
			return nil, err
		}
		p.stages = append(p.stages, s)
		server.AddStats(st.Name, func() any { return s.Result() })
	}

	// feed attaches o to an object's image var. Stages publish through
	// Notify in both modes; sources are polled at their fps while
	// subscribe is off, following live changes of either var.
	cams := make(map[string]*source.Camera)
	for _, c := range p.sources {
		cams[c.Name()] = c
	}
	feed := func(o output.Output, name string, img *host.Var) error {
		if err := o.Start(); err != nil {
			return err
		}
		f := output.NewFeed(ctx, o, img, logger.WithObject("output", name))
		p.feeds = append(p.feeds, f)
		if c, ok := cams[name]; ok {
			p.unbind = append(p.unbind, followMode(f, c)...)
		}
		return nil
	}

	if cfg.Preview.Enabled {
		pcfg := output.Config{
			Quality: cfg.Preview.Quality,
			Stamp:   cfg.Preview.Stamp,
			Corner:  cfg.Preview.Corner,
		}
		images := make([]*host.Var, 0, len(p.sources)+len(p.stages))
		for _, c := range p.sources {
			images = append(images, c.Image())
		}
		for _, s := range p.stages {
			images = append(images, s.Image())
		}
		for _, img := range images {
			name := img.Object().Name()
			m, err := output.NewMJPEG(name, pcfg)
			if err == nil {
				err = feed(m, name, img)
			}
			if err != nil {
				p.close()
				return nil, err
			}
			p.previews = append(p.previews, m)
			server.AddPreview(name, m)
		}
	}

	if cfg.Display.Enabled {
		img, err := h.Lookup(cfg.Display.Object, "image")
		if err != nil {
			p.close()
			return nil, err
		}
		w, err := output.NewX11Window(cfg.Display.Object, output.WindowConfig{
			Config:  output.Config{Stamp: cfg.Preview.Stamp, Corner: cfg.Preview.Corner},
			Display: cfg.Display.Server,
			Width:   cfg.Display.Width,
			Height:  cfg.Display.Height,
		})
		if err == nil {
			err = feed(w, cfg.Display.Object, img)
		}
		if err != nil {
			p.close()
			return nil, fmt.Errorf("display: %w", err)
		}
		p.window = w
	}
	return p, nil
}

// followMode keeps f polling at the camera's fps while it is in pull mode.
func followMode(f *output.Feed, c *source.Camera) []func() {
	subscribe, _ := c.Object().Var(source.VarSubscribe)
	fps, _ := c.Object().Var(source.VarFPS)
	update := func(context.Context, any) error {
		var period time.Duration
		if !subscribe.Bool() {
			period = rate.Period(fps.Float())
		}
		f.SetPeriod(period)
		return nil
	}
	update(context.Background(), nil)
	return []func(){subscribe.NotifyChange(update), fps.NotifyChange(update)}
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().Str("config", configMgr.Path()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := host.New()
	server := api.NewServer(h)
	p, err := openPipeline(ctx, cfg, server, h)
	if err != nil {
		return err
	}
	defer p.close()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify failed")
	} else if ok {
		log.Debug().Msg("Readiness reported to systemd")
	}
	log.Info().
		Int("sources", len(p.sources)).
		Int("stages", len(p.stages)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("framegrab is running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	// previews first: open streams would otherwise hold Shutdown
	for _, m := range p.previews {
		m.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
