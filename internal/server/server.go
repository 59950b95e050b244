// Package server orchestrates StreamVeil's main proxy server and admin server.
// The main server mounts the token, risk, and relay endpoints while the admin
// server exposes health checks, readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/streamveil/streamveil/internal/cache"
	"github.com/streamveil/streamveil/internal/config"
	"github.com/streamveil/streamveil/internal/events"
	"github.com/streamveil/streamveil/internal/middleware"
	"github.com/streamveil/streamveil/internal/observability"
	iredis "github.com/streamveil/streamveil/internal/redis"
	"github.com/streamveil/streamveil/internal/relay"
	"github.com/streamveil/streamveil/internal/risk"
	"github.com/streamveil/streamveil/internal/token"
)

// Store key prefixes. Only meaningful for the Redis backend, where both
// concerns share one database.
const (
	tokenKeyPrefix = "sv:token:"
	riskKeyPrefix  = "sv:risk:"
)

// Server is the main StreamVeil server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	chain           *middleware.Chain
	emitter         *events.Emitter
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.

	tokenStore cache.Store
	riskStore  cache.Store
	// redisClient is set when the Redis backend is in use. Both stores share
	// it, so it is closed once, here, not via the stores.
	redisClient iredis.Client
}

// New creates a new StreamVeil server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
	}

	if err := s.buildStores(cfg, logger); err != nil {
		return nil, err
	}

	tokens := token.NewService(cfg.Token, s.tokenStore, logger)

	rl, err := relay.New(cfg.Upstream, logger)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("create relay: %w", err)
	}
	rl.OnUpstreamError = metrics.IncUpstreamErrors

	if cfg.Upstream.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: upstream TLS certificate verification is DISABLED (tls_insecure_skip_verify=true). " +
			"This should NEVER be used in production — it exposes the relay to man-in-the-middle attacks.")
	}

	evaluator := buildEvaluator(cfg, s.riskStore, metrics, logger)
	s.emitter = events.NewEmitter(cfg.Events, logger, metrics)

	s.chain = middleware.NewChain(tokens, rl, evaluator, s.emitter, logger, metrics)

	s.mainServer, s.http3Server = buildMainServer(cfg, s.chain, logger)
	s.adminServer = buildAdminServer(cfg, health, reg, logger)

	health.SetStorePinger(s.tokenStore)

	return s, nil
}

// buildStores creates the token and risk stores for the configured backend.
// The Redis backend shares one client across both stores with distinct key
// prefixes; the memory backend uses two isolated caches.
func (s *Server) buildStores(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Store.Backend == config.StoreBackendRedis {
		iredis.WarnInsecureRedis(cfg.Store.Redis.TLS, logger)

		client, err := iredis.NewClient(cfg.Store.Redis)
		if err != nil {
			return fmt.Errorf("connect store redis: %w", err)
		}
		s.redisClient = client
		tokenStore := cache.NewRedisStore(client, tokenKeyPrefix, logger)
		riskStore := cache.NewRedisStore(client, riskKeyPrefix, logger)
		if s.metrics != nil {
			tokenStore.OnHealthChange = s.metrics.SetStoreHealthy
			riskStore.OnHealthChange = s.metrics.SetStoreHealthy
		}
		s.tokenStore = tokenStore
		s.riskStore = riskStore
		logger.Info("redis store connected",
			"mode", cfg.Store.Redis.Mode, "endpoints", cfg.Store.Redis.Endpoints)
		return nil
	}

	s.tokenStore = cache.NewMemoryStore(0)
	s.riskStore = cache.NewMemoryStore(0)
	logger.Info("in-memory store configured; tokens and risk verdicts are per-replica")
	return nil
}

func (s *Server) closeStores() {
	if s.redisClient != nil {
		_ = s.redisClient.Close()
		s.redisClient = nil
		return
	}
	if s.tokenStore != nil {
		_ = s.tokenStore.Close()
	}
	if s.riskStore != nil {
		_ = s.riskStore.Close()
	}
}

// buildEvaluator constructs the risk evaluator, or returns nil when the risk
// gate cannot run. The proxycheck provider requires an API key; without one
// the gate is disabled rather than producing garbage verdicts.
func buildEvaluator(cfg *config.Config, store cache.Store, metrics *observability.Metrics, logger *slog.Logger) *risk.Evaluator {
	if !cfg.Risk.Enabled {
		return nil
	}

	timeout := config.MustParseDuration(cfg.Risk.Timeout, 5*time.Second)

	var provider risk.Provider
	switch cfg.Risk.Provider {
	case config.RiskProviderIPAPI:
		provider = risk.NewIPAPIProvider(timeout)
	default:
		if cfg.Risk.APIKey.Value() == "" {
			logger.Warn("risk evaluation enabled but no proxycheck api_key configured; risk gate disabled")
			return nil
		}
		provider = risk.NewProxycheckProvider(cfg.Risk.APIKey.Value(), timeout)
	}

	ev := risk.NewEvaluator(cfg.Risk, provider, store, logger)
	ev.OnAllow = func(string) { metrics.IncRiskAllowed() }
	ev.OnBlock = metrics.IncRiskBlocked
	ev.OnCacheHit = metrics.IncRiskCacheHits
	ev.OnLookupError = metrics.IncRiskLookupErrors

	logger.Info("risk evaluation enabled",
		"provider", provider.Name(),
		"failure_policy", cfg.Risk.FailurePolicy,
		"score_threshold", cfg.Risk.ScoreThreshold)
	return ev
}

func buildMainServer(cfg *config.Config, chain *middleware.Chain, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 0)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /token", chain.HandleIssueToken)
	mux.HandleFunc("GET /check-vpn", chain.HandleCheckVPN)
	mux.HandleFunc("GET /api/{action}", chain.HandleAPI)
	mux.HandleFunc("GET /stream/{kind}/{id}", chain.HandleStream)

	handler := chain.Wrap(mux)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		// WriteTimeout must stay 0 by default: live media streams are
		// long-lived responses.
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both the main and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	// Watch the certificate files for rotation (Kubernetes secret volume
	// swaps happen without a config change).
	if s.cfg.Server.TLS.Enabled {
		certWatcher := config.NewCertWatcher(
			s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile,
			s.ReloadCerts, s.logger)
		go func() { _ = certWatcher.Start(ctx) }()
		defer certWatcher.Stop()
	}

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("streamveil is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("proxy server starting",
		"address", s.cfg.Server.Address,
		"upstream", s.cfg.Upstream.BaseURL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("proxy server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		// Create a certHolder for hot-reload support.
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(s.cfg),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("proxy server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the risk evaluator parameters and TLS certificates without
// restarting the server. Token TTL changes apply to newly issued tokens only
// after a restart; store and listener changes require a restart.
func (s *Server) Reload(newCfg *config.Config) error {
	s.chain.SetEvaluator(buildEvaluator(newCfg, s.riskStore, s.metrics, s.logger))

	// Reload TLS certificates if TLS is enabled and cert files are configured.
	if newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.ReloadCerts(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded",
		"risk_enabled", newCfg.Risk.Enabled, "risk_provider", newCfg.Risk.Provider)
	return nil
}

// ReloadCerts reloads the TLS certificate pair from disk, keeping the old
// certificate on failure. No-op when TLS is disabled.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded", "cert", certFile)
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("events emitter close error", "error", err)
		}
	}

	s.closeStores()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
