package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
)

// ScreenCast source types.
const (
	sourceMonitor = 1 << 0
	sourceWindow  = 1 << 1
)

// Cursor modes.
const (
	cursorHidden   = 1 << 0
	cursorEmbedded = 1 << 1
)

const persistSession = 2

// portalOptions selects what the ScreenCast portal offers the user.
type portalOptions struct {
	types  uint32
	cursor uint32
	// interactive requests, such as SelectSources, wait this long for the
	// user to answer the dialog
	timeout time.Duration
}

// portal is a ScreenCast session on xdg-desktop-portal. The session, and
// the PipeWire stream it grants, lives until Close.
type portal struct {
	conn      *dbus.Conn
	session   dbus.ObjectPath
	tokenPath string
	restore   string
	log       *zerolog.Logger
}

var portalSeq atomic.Uint64

func newPortal() (*portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.Getenv("HOME")
	}
	p := &portal{
		conn:      conn,
		tokenPath: filepath.Join(dir, "framegrab", "portal_token"),
		log:       logger.WithComponent("portal"),
	}
	p.restore = loadRestoreToken(p.tokenPath)

	rule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		p.log.Warn().Err(err).Msg("Failed to add match rule")
	}
	return p, nil
}

// Start runs CreateSession, SelectSources and Start, and returns the
// PipeWire node of the granted stream.
func (p *portal) Start(opts portalOptions) (uint32, error) {
	results, err := p.request("CreateSession", 30*time.Second, nil, map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(p.token("session")),
	})
	if err != nil {
		return 0, err
	}
	switch v := results["session_handle"].Value().(type) {
	case dbus.ObjectPath:
		p.session = v
	case string:
		p.session = dbus.ObjectPath(v)
	default:
		return 0, fmt.Errorf("unexpected session_handle type %T", v)
	}
	p.log.Debug().Str("session", string(p.session)).Msg("Created portal session")

	sel := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(opts.types),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(opts.cursor),
		"persist_mode": dbus.MakeVariant(uint32(persistSession)),
	}
	if p.restore != "" {
		sel["restore_token"] = dbus.MakeVariant(p.restore)
	}
	if _, err := p.request("SelectSources", opts.timeout, []any{p.session}, sel); err != nil {
		return 0, err
	}

	results, err = p.request("Start", opts.timeout, []any{p.session, ""}, nil)
	if err != nil {
		return 0, err
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok {
			p.restore = token
			saveRestoreToken(p.tokenPath, token)
		}
	}
	v, ok := results["streams"]
	if !ok {
		return 0, fmt.Errorf("no streams in response")
	}
	node, err := nodeFromStreams(v.Value())
	if err != nil {
		return 0, err
	}
	p.log.Info().Uint32("node_id", node).Msg("Screen cast started")
	return node, nil
}

func (p *portal) token(prefix string) string {
	return fmt.Sprintf("framegrab_%s%d_%d", prefix, os.Getpid(), portalSeq.Add(1))
}

// request calls a ScreenCast method and waits for the Response signal on
// the returned request object.
func (p *portal) request(method string, timeout time.Duration, args []any, options map[string]dbus.Variant) (map[string]dbus.Variant, error) {
	if options == nil {
		options = make(map[string]dbus.Variant)
	}
	options["handle_token"] = dbus.MakeVariant(p.token("req"))

	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	call := p.conn.Object(portalService, portalPath).Call(screenCastIface+"."+method, 0, append(args, options)...)
	if err := call.Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	p.log.Info().Str("request", string(requestPath)).Msgf("Waiting for %s response", method)

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, fmt.Errorf("%s: invalid response", method)
			}
			if code, _ := sig.Body[0].(uint32); code != 0 {
				return nil, fmt.Errorf("%s denied (code %d)", method, code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

// nodeFromStreams extracts the first node ID from the a(ua{sv}) streams
// result, which godbus decodes either as [][]any or []any.
func nodeFromStreams(v any) (uint32, error) {
	switch s := v.(type) {
	case [][]any:
		if len(s) > 0 && len(s[0]) > 0 {
			if node, ok := s[0][0].(uint32); ok {
				return node, nil
			}
		}
	case []any:
		if len(s) > 0 {
			if stream, ok := s[0].([]any); ok && len(stream) > 0 {
				if node, ok := stream[0].(uint32); ok {
					return node, nil
				}
			}
		}
	default:
		return 0, fmt.Errorf("unknown streams format %T", v)
	}
	return 0, fmt.Errorf("no streams in response")
}

// Close ends the session, which stops the stream.
func (p *portal) Close() error {
	if p.session != "" {
		p.conn.Object(portalService, p.session).Call("org.freedesktop.portal.Session.Close", 0)
	}
	return p.conn.Close()
}

type restoreToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t restoreToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(path, token string) {
	if token == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(restoreToken{Token: token})
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0600)
}
