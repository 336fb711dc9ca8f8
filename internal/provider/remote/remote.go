// ABOUTME: Provider that binds sessions to an external protocol engine over websocket
// ABOUTME: Dials one socket per handle and sends the hello frame with restored credentials

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/provider"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
)

// Config configures the engine connection.
type Config struct {
	// URL is the engine base URL (ws, wss, http or https). Sessions connect
	// to <URL>/sessions/<id>.
	URL string

	// Token, when set, is sent as a bearer token on the upgrade request.
	Token string

	RequestTimeout time.Duration
	DialTimeout    time.Duration
	// PingInterval is how often the socket is pinged. The read deadline is
	// twice this value.
	PingInterval time.Duration
}

// Provider dials the engine for every Open.
type Provider struct {
	base   *url.URL
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New validates cfg and returns a provider.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine url is required")
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing engine url: %w", err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("engine url scheme %q not supported", base.Scheme)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	return &Provider{
		base: base,
		cfg:  cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger.With("component", "engine"),
	}, nil
}

func (p *Provider) endpoint(sessionID string) string {
	u := *p.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + sessionID
	u.RawPath = ""
	return u.String()
}

// Open dials the engine for sessionID. ctx bounds the dial and hello only.
func (p *Provider) Open(ctx context.Context, sessionID string, auth provider.AuthState) (provider.Handle, error) {
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := p.dialer.DialContext(dialCtx, p.endpoint(sessionID), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing engine: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing engine: %w", err)
	}

	h := newHandle(conn, sessionID, auth.Keys, p.cfg, p.logger.With("session_id", sessionID))

	hello, err := json.Marshal(Hello{
		SessionID:   sessionID,
		Credentials: auth.Credentials,
		Restored:    auth.Restored,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encoding hello: %w", err)
	}
	if err := h.write(Frame{Type: FrameHello, Payload: hello}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	h.start()
	p.logger.Debug("engine connected", "session_id", sessionID, "restored", auth.Restored)
	return h, nil
}

var _ provider.Provider = (*Provider)(nil)
