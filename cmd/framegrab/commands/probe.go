package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/frame"
	"github.com/bryanchriswhite/framegrab/internal/host"
	"github.com/bryanchriswhite/framegrab/internal/rate"
	"github.com/bryanchriswhite/framegrab/internal/source"
)

var probeCmd = &cobra.Command{
	Use:   "probe URI",
	Short: "Measure frame delivery from a device",
	Long: `Open a device, consume its frames for a while and report how many were
grabbed, published, skipped and delivered.

URIs: synthetic://?width=W&height=H&fps=N, v4l2:///dev/video0, x11://:0,
gst://<pipeline>, or a bare device index.`,
	Example: `  # Poll a webcam at 25 fps for 5 seconds
  framegrab probe v4l2:///dev/video0 --fps 25

  # Push mode from the synthetic device, JSON output
  framegrab probe 'synthetic://?fps=60' --subscribe --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var (
	probeDuration    time.Duration
	probeFPS         float64
	probeOrientation int
	probeSubscribe   bool
	probeFormat      string
)

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().DurationVarP(&probeDuration, "duration", "d", 5*time.Second, "how long to consume frames")
	probeCmd.Flags().Float64Var(&probeFPS, "fps", 25, "consumer rate")
	probeCmd.Flags().IntVar(&probeOrientation, "orientation", 0, "orientation selector (0-3)")
	probeCmd.Flags().BoolVar(&probeSubscribe, "subscribe", false, "push mode instead of polling")
	probeCmd.Flags().StringVarP(&probeFormat, "format", "f", "table", "output format (table or json)")
}

// ProbeReport summarizes a probe run.
type ProbeReport struct {
	URI       string        `json:"uri"`
	Mode      string        `json:"mode"`
	Duration  time.Duration `json:"duration"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Delivered int           `json:"delivered"`
	Repeated  int           `json:"repeated"`
	Corrupt   int           `json:"corrupt"`
	FPS       float64       `json:"fps"`
	source.Stats
}

type probeRecorder struct {
	mu       sync.Mutex
	last     uint64
	distinct int
	repeated int
	corrupt  int
}

func (r *probeRecorder) record(f frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Empty() {
		return
	}
	if f.Seq <= r.last {
		r.repeated++
		return
	}
	r.last = f.Seq
	r.distinct++
	if !f.Valid() {
		r.corrupt++
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	h := host.New()
	defer h.Close()

	cam, err := source.Open(ctx, h, source.Options{
		Name:        "probe",
		URI:         args[0],
		FPS:         probeFPS,
		Orientation: probeOrientation,
		Subscribe:   probeSubscribe,
	})
	if err != nil {
		return err
	}
	defer cam.Close()

	var rec probeRecorder
	runCtx, cancel := context.WithTimeout(ctx, probeDuration)
	defer cancel()
	start := time.Now()

	if probeSubscribe {
		unregister := cam.Image().NotifyChange(func(_ context.Context, v any) error {
			if f, ok := v.(frame.Frame); ok {
				rec.record(f)
			}
			return nil
		})
		<-runCtx.Done()
		unregister()
	} else {
		if probeFPS <= 0 {
			return fmt.Errorf("--fps must be positive when polling")
		}
		ticker := time.NewTicker(rate.Period(probeFPS))
		defer ticker.Stop()
	poll:
		for {
			select {
			case <-runCtx.Done():
				break poll
			case <-ticker.C:
				v, err := cam.Image().Get(runCtx)
				if err != nil {
					if runCtx.Err() != nil {
						break poll
					}
					return err
				}
				rec.record(v.(frame.Frame))
			}
		}
	}
	elapsed := time.Since(start)

	w, hgt := cam.Size()
	rec.mu.Lock()
	report := ProbeReport{
		URI:       args[0],
		Mode:      cam.Mode().String(),
		Duration:  elapsed.Round(time.Millisecond),
		Width:     w,
		Height:    hgt,
		Delivered: rec.distinct,
		Repeated:  rec.repeated,
		Corrupt:   rec.corrupt,
		FPS:       float64(rec.distinct) / elapsed.Seconds(),
		Stats:     cam.Stats(),
	}
	rec.mu.Unlock()

	switch probeFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "table":
		return printProbeTable(report)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", probeFormat)
	}
}

func printProbeTable(r ProbeReport) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	rows := []struct {
		k string
		v any
	}{
		{"URI", r.URI},
		{"MODE", r.Mode},
		{"SIZE", fmt.Sprintf("%dx%d", r.Width, r.Height)},
		{"DURATION", r.Duration},
		{"DELIVERED", r.Delivered},
		{"REPEATED", r.Repeated},
		{"CORRUPT", r.Corrupt},
		{"DELIVERED FPS", fmt.Sprintf("%.1f", r.FPS)},
		{"GRABBED", r.Grabbed},
		{"PUBLISHED", r.Published},
		{"SKIPPED", r.Skipped},
		{"NO DATA", r.NoData},
		{"FAILURES", r.Failures},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%v\n", row.k, row.v)
	}
	return w.Flush()
}
