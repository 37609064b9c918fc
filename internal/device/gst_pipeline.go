package device

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// gstSpec is a parsed gst:// URI:
//
//	gst://<source pipeline>[?width=W&height=H&fps=N]
//
// The source pipeline is everything up to the first top-level "?". The
// converter and sink are appended by the backend.
type gstSpec struct {
	source string
	width  int
	height int
	fps    int
}

func parseGstURI(uri string, defW, defH int) (gstSpec, error) {
	rest, ok := strings.CutPrefix(uri, "gst://")
	if !ok {
		return gstSpec{}, fmt.Errorf("not a gst uri: %q", uri)
	}

	spec := gstSpec{width: defW, height: defH}
	source, query, _ := strings.Cut(rest, "?")
	spec.source = strings.TrimSpace(source)
	if spec.source == "" {
		return gstSpec{}, errors.New("empty gstreamer pipeline")
	}

	if query != "" {
		q, err := url.ParseQuery(query)
		if err != nil {
			return gstSpec{}, err
		}
		if spec.width, err = queryInt(q, "width", defW); err != nil {
			return gstSpec{}, err
		}
		if spec.height, err = queryInt(q, "height", defH); err != nil {
			return gstSpec{}, err
		}
		if spec.fps, err = queryInt(q, "fps", 0); err != nil {
			return gstSpec{}, err
		}
	}
	if (spec.width > 0) != (spec.height > 0) {
		return gstSpec{}, errors.New("width and height must be given together")
	}
	return spec, nil
}

// caps returns the raw RGB caps filter.
func (s gstSpec) caps() string {
	c := "video/x-raw,format=RGB"
	if s.width > 0 {
		c += fmt.Sprintf(",width=%d,height=%d", s.width, s.height)
	}
	if s.fps > 0 {
		c += fmt.Sprintf(",framerate=%d/1", s.fps)
	}
	return c
}

// pipeline returns the source followed by conversion to the caps and sink.
func (s gstSpec) pipeline(sink string) string {
	return s.source + " ! videoconvert ! videoscale ! videorate ! " + s.caps() + " ! " + sink
}
