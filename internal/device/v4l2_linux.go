//go:build linux

package device

import (
	"context"
	"strings"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// V4L2 fourcc for packed YUYV 4:2:2.
const pixFmtYUYV webcam.PixelFormat = 0x56595559

func init() {
	Register("v4l2", openV4L2)
}

// v4l2Device streams YUYV frames from a Video4Linux2 camera.
type v4l2Device struct {
	cam     *webcam.Webcam
	path    string
	width   int
	height  int
	timeout uint32
	raw     []byte
}

func openV4L2(_ context.Context, uri string) (Device, error) {
	u, q, err := parseURL(uri)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if u.Host != "" {
		path = "/" + u.Host + u.Path
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, errors.Errorf("v4l2: bad device path %q", path)
	}

	w, err := queryInt(q, "width", 640)
	if err != nil {
		return nil, err
	}
	h, err := queryInt(q, "height", 480)
	if err != nil {
		return nil, err
	}
	timeout, err := queryInt(q, "timeout", 1)
	if err != nil {
		return nil, err
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "can not open device "+path)
	}

	if _, ok := cam.GetSupportedFormats()[pixFmtYUYV]; !ok {
		cam.Close()
		return nil, errors.Errorf("%s does not support YUYV", path)
	}

	_, gw, gh, err := cam.SetImageFormat(pixFmtYUYV, uint32(w), uint32(h))
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not set image format")
	}

	if err := cam.SetBufferCount(4); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not set buffer count")
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not start streaming")
	}

	return &v4l2Device{
		cam:     cam,
		path:    path,
		width:   int(gw),
		height:  int(gh),
		timeout: uint32(timeout),
	}, nil
}

func (d *v4l2Device) Grab(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := d.cam.WaitForFrame(d.timeout)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return ErrNoData
	default:
		return errors.Wrap(err, "frame wait failed")
	}

	frame, err := d.cam.ReadFrame()
	if err != nil {
		return errors.Wrap(err, "read frame failed")
	}
	if len(frame) == 0 {
		return ErrNoData
	}

	d.raw = append(d.raw[:0], frame...)
	return nil
}

func (d *v4l2Device) Retrieve(dst []byte) error {
	return errors.Wrap(yuyvToRGB(dst, d.raw, d.width, d.height), d.path)
}

func (d *v4l2Device) Size() (int, int) { return d.width, d.height }

func (d *v4l2Device) Close() error {
	if err := d.cam.StopStreaming(); err != nil {
		d.cam.Close()
		return errors.Wrap(err, "stop streaming")
	}
	return d.cam.Close()
}
