package device

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

func init() {
	Register("pipewire", openPipeWire)
}

// parsePipeWireURI reads the portal options and the output query of
//
//	pipewire://?source=monitor|window&cursor=embedded|hidden&timeout=60s&width=W&height=H&fps=N
//
// width, height and fps are handed on to the gst:// backend.
func parsePipeWireURI(uri string) (portalOptions, url.Values, error) {
	opts := portalOptions{
		types:   sourceMonitor,
		cursor:  cursorEmbedded,
		timeout: 60 * time.Second,
	}
	_, q, err := parseURL(uri)
	if err != nil {
		return opts, nil, err
	}

	switch q.Get("source") {
	case "", "monitor":
	case "window":
		opts.types = sourceWindow
	case "any":
		opts.types = sourceMonitor | sourceWindow
	default:
		return opts, nil, fmt.Errorf("unknown source %q", q.Get("source"))
	}
	switch q.Get("cursor") {
	case "", "embedded":
	case "hidden":
		opts.cursor = cursorHidden
	default:
		return opts, nil, fmt.Errorf("unknown cursor mode %q", q.Get("cursor"))
	}
	if s := q.Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return opts, nil, err
		}
		opts.timeout = d
	}

	pass := url.Values{}
	for _, k := range []string{"width", "height", "fps"} {
		if v := q.Get(k); v != "" {
			pass.Set(k, v)
		}
	}
	return opts, pass, nil
}

// pipeWireGstURI is the gst:// URI that reads PipeWire node.
func pipeWireGstURI(node uint32, q url.Values) string {
	var b strings.Builder
	fmt.Fprintf(&b, "gst://pipewiresrc path=%d do-timestamp=true", node)
	if len(q) > 0 {
		b.WriteString("?" + q.Encode())
	}
	return b.String()
}

// portalDevice keeps the portal session open for as long as the stream
// is read.
type portalDevice struct {
	Device
	portal *portal
}

func (d *portalDevice) Close() error {
	err := d.Device.Close()
	if perr := d.portal.Close(); err == nil {
		err = perr
	}
	return err
}

// openPipeWire asks xdg-desktop-portal for a screen cast, which may show
// a selection dialog, and reads the granted stream through GStreamer.
func openPipeWire(ctx context.Context, uri string) (Device, error) {
	opts, pass, err := parsePipeWireURI(uri)
	if err != nil {
		return nil, err
	}
	p, err := newPortal()
	if err != nil {
		return nil, err
	}
	node, err := p.Start(opts)
	if err != nil {
		p.Close()
		return nil, err
	}
	registryMu.RLock()
	openGst, ok := openers["gst"]
	registryMu.RUnlock()
	if !ok {
		p.Close()
		return nil, ErrUnsupported
	}
	dev, err := openGst(ctx, pipeWireGstURI(node, pass))
	if err != nil {
		p.Close()
		return nil, err
	}
	return &portalDevice{Device: dev, portal: p}, nil
}
