//go:build !gst

package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

func init() {
	Register("gst", openGstLaunch)
}

// gstLaunch runs gst-launch-1.0 as a subprocess writing raw RGB frames to
// stdout. The frame size must be known up front, so it defaults to 640x480.
type gstLaunch struct {
	cmd    *exec.Cmd
	width  int
	height int
	stride int

	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	latest  []byte
	fresh   bool
	readErr error

	cur []byte
}

func openGstLaunch(_ context.Context, uri string) (Device, error) {
	spec, err := parseGstURI(uri, 640, 480)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("device")
	pipelineStr := spec.pipeline("fdsink fd=1 sync=false")
	log.Debug().Str("pipeline", pipelineStr).Msg("Starting GStreamer subprocess")

	// sh -c keeps the "!" separators intact
	cmd := exec.Command("sh", "-c", "exec gst-launch-1.0 -q "+pipelineStr)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start gst-launch: %w", err)
	}

	d := &gstLaunch{
		cmd:    cmd,
		width:  spec.width,
		height: spec.height,
		stride: rgbStride(spec.width),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.readFrames(stdout)
	go logStderr(stderr)

	log.Info().Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")
	return d, nil
}

// readFrames keeps only the most recent frame read from stdout.
func (d *gstLaunch) readFrames(stdout io.Reader) {
	defer close(d.done)

	size := d.stride * d.height
	reader := bufio.NewReaderSize(stdout, size*2)
	buf := make([]byte, size)
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			d.mu.Lock()
			d.readErr = fmt.Errorf("gst-launch stream ended: %w", err)
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		d.latest, buf = buf, d.latest
		if buf == nil {
			buf = make([]byte, size)
		}
		d.fresh = true
		d.mu.Unlock()

		select {
		case d.ready <- struct{}{}:
		default:
		}
	}
}

func logStderr(r io.Reader) {
	log := logger.WithComponent("device")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

func (d *gstLaunch) Grab(ctx context.Context) error {
	t := time.NewTimer(time.Second)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrNoData
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.readErr
	case <-d.ready:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fresh {
		return ErrNoData
	}
	d.cur = append(d.cur[:0], d.latest...)
	d.fresh = false
	return nil
}

func (d *gstLaunch) Retrieve(dst []byte) error {
	return unpadRows(dst, d.cur, d.width, d.height, d.stride)
}

func (d *gstLaunch) Size() (int, int) { return d.width, d.height }

func (d *gstLaunch) Close() error {
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.cmd.Wait()
	<-d.done
	return nil
}
