package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"

	portalSourceMonitor  = 1 << 0
	portalCursorEmbedded = 1 << 1
	// keep the grant until the user revokes it
	portalPersistUntilRevoked = 2
)

// PortalTimeout bounds each portal request. SelectSources may wait on a user dialog.
var PortalTimeout = 60 * time.Second

// OpenPortal asks xdg-desktop-portal for a monitor and captures the granted
// PipeWire node. This is the screen source for Wayland sessions.
func OpenPortal(ctx context.Context, cfg Config) (*Camera, error) {
	p, err := newPortalSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrSourceUnavailable, err)
	}

	nodeID, err := p.start(ctx)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: %v", media.ErrSourceUnavailable, err)
	}

	return openCapture(ctx, cfg, portalPipeline(cfg, nodeID), p.Close)
}

func portalPipeline(cfg Config, nodeID uint32) string {
	return fmt.Sprintf("pipewiresrc path=%d do-timestamp=true ! %s", nodeID, rawVideoTail(cfg))
}

// portalSession is one ScreenCast session on the session bus
type portalSession struct {
	conn      *dbus.Conn
	handle    dbus.ObjectPath
	tokenPath string
	seq       int
}

func newPortalSession() (*portalSession, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return &portalSession{
		conn:      conn,
		tokenPath: filepath.Join(configDir, "dualcam", "portal_token"),
	}, nil
}

// start runs CreateSession, SelectSources and Start, returning the PipeWire node id
func (p *portalSession) start(ctx context.Context) (uint32, error) {
	log := logger.WithComponent("portal")

	results, err := p.request(ctx, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("dualcam%d", os.Getpid())),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	switch v := results["session_handle"].Value().(type) {
	case dbus.ObjectPath:
		p.handle = v
	case string:
		p.handle = dbus.ObjectPath(v)
	default:
		return 0, fmt.Errorf("unexpected session_handle type: %T", v)
	}
	log.Debug().Str("session", string(p.handle)).Msg("Created portal session")

	options := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(portalSourceMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(portalCursorEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(portalPersistUntilRevoked)),
	}
	if token := loadRestoreToken(p.tokenPath); token != "" {
		options["restore_token"] = dbus.MakeVariant(token)
	}
	log.Info().Msg("Waiting for screen selection (a portal dialog may appear)")
	if _, err := p.request(ctx, "SelectSources", options, p.handle); err != nil {
		return 0, fmt.Errorf("failed to select sources: %w", err)
	}

	results, err = p.request(ctx, "Start", map[string]dbus.Variant{}, p.handle, "")
	if err != nil {
		return 0, fmt.Errorf("failed to start session: %w", err)
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok {
			saveRestoreToken(p.tokenPath, token)
		}
	}

	streams, ok := results["streams"]
	if !ok {
		return 0, errors.New("no streams in response")
	}
	nodeID, ok := firstNodeID(streams.Value())
	if !ok {
		return 0, fmt.Errorf("unexpected streams format: %T", streams.Value())
	}
	log.Info().Uint32("node_id", nodeID).Msg("Screen sharing started")
	return nodeID, nil
}

// request calls a ScreenCast method and waits for its Request.Response signal.
// options gets a fresh handle_token and is passed after args.
func (p *portalSession) request(ctx context.Context, method string, options map[string]dbus.Variant, args ...any) (map[string]dbus.Variant, error) {
	p.seq++
	options["handle_token"] = dbus.MakeVariant(fmt.Sprintf("dualcam%d_%d", os.Getpid(), p.seq))

	match := []dbus.MatchOption{dbus.WithMatchInterface(requestIface), dbus.WithMatchMember("Response")}
	if err := p.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}
	defer p.conn.RemoveMatchSignal(match...)

	// subscribe before calling so the response cannot be missed
	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	obj := p.conn.Object(portalService, portalPath)
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, 0, append(args, options)...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	timer := time.NewTimer(PortalTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

// parseResponse decodes the (u response, a{sv} results) body of Request.Response
func parseResponse(body []any) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, errors.New("invalid response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid response code type: %T", body[0])
	}
	if code != 0 {
		return nil, fmt.Errorf("portal request denied (code %d)", code)
	}
	results := map[string]dbus.Variant{}
	if len(body) > 1 {
		if m, ok := body[1].(map[string]dbus.Variant); ok {
			results = m
		}
	}
	return results, nil
}

// firstNodeID extracts the node id of the first stream from an a(ua{sv}) value
func firstNodeID(v any) (uint32, bool) {
	switch streams := v.(type) {
	case [][]any:
		if len(streams) > 0 && len(streams[0]) > 0 {
			id, ok := streams[0][0].(uint32)
			return id, ok
		}
	case []any:
		if len(streams) > 0 {
			if stream, ok := streams[0].([]any); ok && len(stream) > 0 {
				id, ok := stream[0].(uint32)
				return id, ok
			}
		}
	}
	return 0, false
}

// Close ends the portal session and the bus connection
func (p *portalSession) Close() error {
	if p.handle != "" {
		p.conn.Object(portalService, p.handle).Call(sessionIface+".Close", 0)
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
	if err := os.WriteFile(path, data, 0600); err != nil {
		logger.WithComponent("portal").Debug().Err(err).Msg("Failed to save restore token")
	}
}
