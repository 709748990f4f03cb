// ABOUTME: Gateway orchestrator that wires the store, provider, merge path and HTTP surface
// ABOUTME: Manages listeners, background reconciliation loops and graceful shutdown

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
	"strings"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/realtime"
	"github.com/2389/parley/internal/reconcile"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/webhook"
)

// EnvDatabaseDSN overrides database.dsn when set.
const EnvDatabaseDSN = "PARLEY_DB_DSN"

// Gateway orchestrates the parley server components.
type Gateway struct {
	config       *config.Config
	store        *store.SQLStore
	provider     *provider.Client
	broadcaster  *conversation.Broadcaster
	conversation *conversation.Service
	reconciler   *reconcile.Reconciler
	scheduler    *reconcile.Scheduler
	sweeper      *reconcile.Sweeper
	metrics      *metrics.Metrics
	verifier     auth.TokenVerifier
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// publicURL is where the provider reaches this gateway; empty disables
	// webhook registration.
	publicURL string

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// initStore opens the configured database.
func initStore(cfg *config.Config) (*store.SQLStore, error) {
	dsn := cfg.Database.DSN
	if envDSN := os.Getenv(EnvDatabaseDSN); envDSN != "" {
		dsn = envDSN
	}

	s, err := store.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client := provider.New(provider.Config{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		AccountID: cfg.Provider.AccountID,
		Timeout:   cfg.Provider.RequestTimeout,
		PageSize:  cfg.Provider.PageSize,
		RateLimit: cfg.Provider.RateLimit,
		RateBurst: cfg.Provider.RateBurst,
	}, logger)

	broadcaster := conversation.NewBroadcaster(cfg.Broadcast.WriteTimeout, m, logger)
	convService := conversation.New(s, client, broadcaster, logger)
	convService.SetMetrics(m)
	if cfg.Autopilot.Enabled {
		convService.SetAutopilot(conversation.NewAutopilot(
			conversation.StaticResponder{Text: cfg.Autopilot.Reply},
			cfg.Autopilot.Delay,
		))
		logger.Info("autopilot enabled", "delay", cfg.Autopilot.Delay)
	}

	reconciler := reconcile.New(client, s, convService, reconcile.Options{
		Concurrency: cfg.Reconcile.Concurrency,
		MaxPages:    cfg.Reconcile.MaxPages,
	}, m, logger)

	scheduler, err := reconcile.NewScheduler(reconciler, reconcile.SchedulerConfig{
		Interval:      cfg.Reconcile.Interval,
		Schedule:      cfg.Reconcile.Schedule,
		FullOnStartup: cfg.Reconcile.FullSyncOnStartup,
		SkipStartup:   !cfg.Reconcile.RunOnStartup(),
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	sweeper := reconcile.NewSweeper(s, reconciler, reconcile.SweeperConfig{
		Interval:    cfg.PendingSends.SweepInterval,
		SyncAfter:   cfg.PendingSends.SyncAfter,
		MaxAttempts: cfg.PendingSends.MaxAttempts,
		Retention:   cfg.PendingSends.Retention,
	}, m, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		provider:     client,
		broadcaster:  broadcaster,
		conversation: convService,
		reconciler:   reconciler,
		scheduler:    scheduler,
		sweeper:      sweeper,
		metrics:      m,
		logger:       logger.With("component", "gateway"),
		publicURL:    strings.TrimRight(cfg.Webhook.PublicURL, "/"),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP surface.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and webhook endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle(g.config.Webhook.Path, webhook.NewHandler(g.conversation, webhook.Config{
		Secret:  g.config.Webhook.Secret,
		MaxSkew: g.config.Webhook.MaxSkew,
	}, g.metrics, g.logger))

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	// The websocket endpoint authenticates itself so browsers can pass the
	// token as a query parameter.
	mux.Handle("GET /api/ws", realtime.NewHandler(g.broadcaster, realtime.Options{
		Verifier: g.verifier,
	}, g.logger))

	api := http.NewServeMux()
	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("PATCH /api/conversations/{id}", g.handleUpdateConversation)
	api.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	api.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	api.HandleFunc("POST /api/conversations/{id}/read", g.handleMarkRead)
	api.HandleFunc("POST /api/conversations/{id}/sync", g.handleSyncConversation)
	api.HandleFunc("GET /api/sync", g.handleSyncStatus)
	api.HandleFunc("POST /api/sync", g.handleSyncAll)

	if g.verifier != nil {
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	mux.Handle("/api/", auth.HTTPAuthMiddleware(g.verifier)(api))

	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
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

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
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

// startBackground launches the reconciliation scheduler, the pending-send
// sweeper and webhook registration.
func (g *Gateway) startBackground(ctx context.Context) {
	ctx, g.bgCancel = context.WithCancel(ctx)

	g.bgWG.Add(2)
	go func() {
		defer g.bgWG.Done()
		g.scheduler.Run(ctx)
	}()
	go func() {
		defer g.bgWG.Done()
		g.sweeper.Run(ctx)
	}()

	if g.publicURL == "" {
		g.logger.Info("webhook.public_url not set, skipping webhook registration")
		return
	}
	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		g.registerWebhook(ctx)
	}()
}

// registerWebhook makes sure the provider posts to this gateway. Failure is
// logged; pull reconciliation still keeps the store current.
func (g *Gateway) registerWebhook(ctx context.Context) {
	url := g.publicURL + g.config.Webhook.Path
	if _, _, err := webhook.Register(ctx, g.provider, g.config.Webhook.Name, url, g.logger); err != nil {
		g.logger.Warn("webhook registration failed", "url", url, "error", err)
	}
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

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	g.startBackground(ctx)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "parley", "tailscale"), nil
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

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
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
	if tsCfg.Funnel {
		g.updatePublicURLFromStatus(status)
	}

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

// updatePublicURLFromStatus points webhook registration at the Funnel
// address when no public URL was configured.
func (g *Gateway) updatePublicURLFromStatus(status *ipnstate.Status) {
	if g.publicURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	g.publicURL = "https://" + strings.TrimSuffix(status.Self.DNSName, ".")
	g.logger.Info("using tailscale funnel address for webhooks", "public_url", g.publicURL)
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

// Shutdown stops background loops, the HTTP server and live connections, then
// releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.bgCancel != nil {
		g.bgCancel()
	}
	g.bgWG.Wait()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Websockets are hijacked and not tracked by Shutdown.
	g.broadcaster.Close()
	g.conversation.Close()

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

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.broadcaster.Count())
}
