//go:build gst

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

var gstInit sync.Once

func init() {
	Register("gst", openGst)
}

// gstDevice pulls RGB samples from an appsink in polling mode.
type gstDevice struct {
	pipeline *gst.Pipeline
	sink     *app.Sink

	mu     sync.Mutex
	width  int
	height int
	stride int
	data   []byte
}

func openGst(_ context.Context, uri string) (Device, error) {
	spec, err := parseGstURI(uri, 0, 0)
	if err != nil {
		return nil, err
	}

	gstInit.Do(func() { gst.Init(nil) })

	pipelineStr := spec.pipeline("appsink name=sink emit-signals=false max-buffers=1 drop=true")
	log := logger.WithComponent("device")
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to get appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	d := &gstDevice{
		pipeline: pipeline,
		sink:     app.SinkFromElement(sinkElement),
		width:    spec.width,
		height:   spec.height,
	}

	// Dimensions come from the first sample when the URI does not fix them.
	if d.width == 0 {
		deadline := time.Now().Add(5 * time.Second)
		for d.width == 0 {
			if time.Now().After(deadline) {
				d.Close()
				return nil, errors.New("no sample within 5s")
			}
			if err := d.pull(100 * time.Millisecond); err != nil && !errors.Is(err, ErrNoData) {
				d.Close()
				return nil, err
			}
		}
	}
	return d, nil
}

// pull stores the next sample, if any, as the grabbed frame.
func (d *gstDevice) pull(timeout time.Duration) error {
	sample := d.sink.TryPullSample(timeout)
	if sample == nil {
		if d.sink.IsEOS() {
			return io.EOF
		}
		return ErrNoData
	}

	buffer := sample.GetBuffer()
	caps := sample.GetCaps()
	if buffer == nil || caps == nil {
		return ErrNoData
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return ErrNoData
	}
	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return ErrNoData
	}
	h, ok := height.(int)
	if !ok {
		return ErrNoData
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return ErrNoData
	}
	defer buffer.Unmap()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.width, d.height, d.stride = w, h, rgbStride(w)
	d.data = append(d.data[:0], mapInfo.Bytes()...)
	return nil
}

func (d *gstDevice) Grab(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.pull(100 * time.Millisecond)
}

func (d *gstDevice) Retrieve(dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unpadRows(dst, d.data, d.width, d.height, d.stride)
}

func (d *gstDevice) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *gstDevice) Close() error {
	if d.pipeline == nil {
		return nil
	}
	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline = nil
	return err
}
