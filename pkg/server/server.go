package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/proxy/handlers"
	"mercator-hq/warden/pkg/proxy/middleware"
	"mercator-hq/warden/pkg/proxy/types"
	wardentls "mercator-hq/warden/pkg/security/tls"
	"mercator-hq/warden/pkg/telemetry"
	"mercator-hq/warden/pkg/telemetry/health"
)

// probesPerSecond caps /health and /ready traffic.
const probesPerSecond = 50

// Engine is the admission engine as seen by the gateway and the admin API.
type Engine interface {
	middleware.Checker
	handlers.Admin
}

// Server is the Warden HTTP gateway.
type Server struct {
	config     *config.Config
	engine     Engine
	rules      *rules.Holder
	telemetry  *telemetry.Telemetry
	upstream   http.Handler
	logger     *slog.Logger
	rateLimit  middleware.RateLimitOptions
	httpServer *http.Server

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
	addr         net.Addr
}

// NewServer creates a gateway. upstream may be nil, in which case admitted
// requests that match no built-in route get 404.
func NewServer(cfg *config.Config, engine Engine, holder *rules.Holder, tel *telemetry.Telemetry, upstream http.Handler) (*Server, error) {
	trusted, err := proxy.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	logger := tel.Logger().With("component", "server")
	failure := cfg.Limits.Failure

	s := &Server{
		config:    cfg,
		engine:    engine,
		rules:     holder,
		telemetry: tel,
		upstream:  upstream,
		logger:    logger,
		rateLimit: middleware.RateLimitOptions{
			OnContention:           failure.OnContention,
			FailOpenOnStorageError: failure.FailOpenOnStorageError,
			CheckTimeout:           failure.CheckTimeout,
			TrustedProxies:         trusted,
			Logger:                 tel.Logger(),
		},
		shutdownChan: make(chan struct{}),
	}

	tel.Health().RegisterCheck("server", func(ctx context.Context) error {
		return s.Health()
	})

	return s, nil
}

// Start serves until ctx is cancelled, a SIGINT/SIGTERM arrives, Stop is
// called, or the listener fails. It then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	sc := s.config.Server
	ln, err := net.Listen("tcp", sc.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", sc.ListenAddress, err)
	}

	// The certificate reloader lives as long as this call.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheme := "http"
	if sc.TLS.Enabled {
		tlsConfig, _, err := wardentls.NewServerConfig(ctx, wardentls.Config{
			CertFile:       sc.TLS.CertFile,
			KeyFile:        sc.TLS.KeyFile,
			MinVersion:     sc.TLS.MinVersion,
			ReloadInterval: sc.TLS.ReloadInterval,
		}, s.logger)
		if err != nil {
			ln.Close()
			s.mu.Unlock()
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		ln = tls.NewListener(ln, tlsConfig)
		scheme = "https"
	}

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		IdleTimeout:    sc.IdleTimeout,
		MaxHeaderBytes: sc.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.addr = ln.Addr()
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway",
			"address", ln.Addr().String(),
			"scheme", scheme,
			"upstream", sc.Upstream.URL,
			"rules", s.rules.Load().Len(),
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-s.shutdownChan:
		s.logger.Info("shutdown requested")
	case err := <-errChan:
		s.markStopped()
		return err
	}
	return s.Shutdown(context.Background())
}

// Stop asks a running Start to shut down.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests,
// up to the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if !s.IsRunning() {
			return
		}

		timeout := s.config.Server.ShutdownTimeout
		s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.markStopped()
		s.logger.Info("gateway stopped")
	})

	return shutdownErr
}

func (s *Server) markStopped() {
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
}

// Handler builds the routed, instrumented handler.
//
// Middleware, outermost first: Recovery, RequestID, tracing, HTTP metrics,
// access logging. Only the catch-all route is rate limited.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	tel := s.telemetry

	health.Register(mux, tel.Health(), tel.VersionInfo(), probesPerSecond)

	if mc := s.config.Telemetry.Metrics; mc.Enabled {
		mux.Handle(mc.Path, tel.Metrics().Handler())
	}

	if ac := s.config.Server.Admin; ac.Enabled {
		handlers.NewAdminHandler(s.engine, ac.Token, tel.Logger()).Register(mux)
	}

	mux.Handle("/", middleware.RateLimitMiddleware(s.engine, s.rules, s.rateLimit)(s.fallback()))

	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(tel.Logger())(handler)
	handler = tel.Metrics().Requests().Middleware(handler)
	handler = tel.Tracer().HTTPMiddleware(handler)
	handler = middleware.RequestIDMiddleware(handler)
	handler = middleware.RecoveryMiddleware(handler)

	return handler
}

func (s *Server) fallback() http.Handler {
	if s.upstream != nil {
		return s.upstream
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = proxy.WriteErrorResponse(w, types.NewNotFoundError("no route for "+r.URL.Path))
	})
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Health reports whether the gateway is serving. It backs the "server"
// readiness check.
func (s *Server) Health() error {
	if !s.IsRunning() {
		return fmt.Errorf("server is not running")
	}
	return nil
}
