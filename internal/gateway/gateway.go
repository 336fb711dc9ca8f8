// ABOUTME: Gateway orchestrator that wires the store, provider, sessions and HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), session restore and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/kv"
	"github.com/2389/relay-gateway/internal/provider"
	"github.com/2389/relay-gateway/internal/provider/fake"
	"github.com/2389/relay-gateway/internal/provider/remote"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/webhook"
)

// MaxBodyBytes caps request bodies. Media arrives base64 encoded inline.
const MaxBodyBytes = 10 << 20

// Gateway owns the relay-gateway server components.
type Gateway struct {
	config      *config.Config
	store       kv.Store
	sessions    *session.Manager
	webhooks    *webhook.Dispatcher
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// stopping is closed when HTTP shutdown begins so event streams end.
	stopping     chan struct{}
	stoppingOnce sync.Once
}

// initStore opens the configured durable store.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		s, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Store.SQLite.Path
		if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := kv.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	}
}

// initProvider creates the connection provider selected by provider.kind.
func initProvider(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Kind {
	case "fake":
		logger.Warn("using in-process fake provider, sessions pair automatically", "pair_delay", cfg.Provider.Fake.PairDelay)
		p := fake.New()
		p.OnOpen = fake.PairThenConnect(cfg.Provider.Fake.PairDelay)
		return p, nil
	default:
		p, err := remote.New(remote.Config{
			URL:            cfg.Provider.Remote.URL,
			Token:          cfg.Provider.Remote.Token,
			RequestTimeout: cfg.Provider.Remote.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing remote provider: %w", err)
		}
		return p, nil
	}
}

// reconnectPolicy overlays the configured reconnect settings on the defaults.
// An unset max_attempts keeps the default; an explicit zero retries forever.
func reconnectPolicy(rc config.ReconnectConfig) session.ReconnectPolicy {
	p := session.DefaultReconnectPolicy()
	if rc.InitialDelay > 0 {
		p.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.StableAfter > 0 {
		p.StableAfter = rc.StableAfter
	}
	if rc.Multiplier > 0 {
		p.Multiplier = rc.Multiplier
	}
	if rc.MaxAttempts != nil {
		p.MaxAttempts = *rc.MaxAttempts
	}
	return p
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	p, err := initProvider(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := build(cfg, s, p, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// build assembles a gateway around an already opened store and provider.
func build(cfg *config.Config, s kv.Store, p provider.Provider, logger *slog.Logger) (*Gateway, error) {
	authCfg := auth.Config{APIKey: cfg.Auth.APIKey}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		authCfg.Verifier = verifier
	}

	creds := credstore.New(s, credstore.Config{
		Namespace:      cfg.Store.Namespace,
		CredentialsTTL: cfg.Store.CredentialsTTL,
	}, logger)

	webhooks := webhook.New(webhook.Config{
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		RetryDelay:     cfg.Webhook.RetryDelay,
		MaxInFlight:    cfg.Webhook.MaxInFlight,
		QueueSize:      cfg.Webhook.QueueSize,
		IncludeHistory: cfg.Webhook.IncludeHistory,
		DedupeTTL:      cfg.Webhook.DedupeTTL,
	}, logger)

	sessions := session.NewManager(p, creds, webhooks, session.Config{
		StartWait: cfg.Sessions.StartWait,
		Reconnect: reconnectPolicy(cfg.Sessions.Reconnect),
	}, logger)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		sessions: sessions,
		webhooks: webhooks,
		logger:   logger.With("component", "gateway"),
		stopping: make(chan struct{}),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(auth.Middleware(authCfg, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer.RegisterOnShutdown(func() {
		gw.stoppingOnce.Do(func() { close(gw.stopping) })
	})
	return gw, nil
}

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// routes builds the HTTP mux. Health endpoints skip authentication.
func (g *Gateway) routes(authenticate func(http.Handler) http.Handler) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/session/start/{id}", g.handleStart)
	api.HandleFunc("GET /api/session/qrcode/{id}", g.handleQRCode)
	api.HandleFunc("GET /api/session/status/{id}", g.handleStatus)
	api.HandleFunc("GET /api/session/events/{id}", g.handleEvents)
	api.HandleFunc("DELETE /api/session/logout/{id}", g.handleLogout)
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("POST /api/check-number", g.handleCheckNumber)
	api.HandleFunc("POST /api/send/text", g.handleSendText)
	api.HandleFunc("POST /api/send/media", g.handleSendMedia)
	api.HandleFunc("POST /api/send/location", g.handleSendLocation)
	api.HandleFunc("POST /api/send/contact", g.handleSendContact)
	api.HandleFunc("POST /api/send/group", g.handleSendGroup)
	api.HandleFunc("GET /api/groups/{sessionId}", g.handleListGroups)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.Handle("/api/", limitBody(authenticate(api)))
	return mux
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// restoreSessions starts every session with stored credentials when enabled.
func (g *Gateway) restoreSessions(ctx context.Context) {
	if !g.config.Sessions.ShouldRestore() {
		return
	}
	if _, err := g.sessions.Restore(ctx); err != nil {
		g.logger.Warn("some sessions could not be restored", "error", err)
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	g.restoreSessions(ctx)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, then every session (credentials are
// kept), drains webhook deliveries and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "sessions close", g.sessions.Close(ctx))
	errs = appendCloseError(errs, "webhooks close", g.webhooks.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the durable store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.sessions.List()))
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("relay-gateway running"))
}
