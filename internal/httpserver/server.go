// Package httpserver hosts the relay's HTTP surface: liveness and readiness
// health checks, build info and ICE server discovery. Other packages add their
// routes (the signaling WebSocket, metrics) through Mux before Serve.
package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

const readHeaderTimeout = 5 * time.Second

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	cfg   config.Config
	log   *slog.Logger
	build BuildInfo

	// ready is set by Serve and cleared by Shutdown and Close.
	ready atomic.Bool

	mux     *http.ServeMux
	handler http.Handler
	srv     *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		build: build,
		mux:   http.NewServeMux(),
	}
	s.routes()

	s.handler = withMiddleware(s.mux,
		recoverPanics(s.log),
		assignRequestID,
		logRequests(s.log),
	)
	// Only the header read is bounded: /signal upgrades to a long-lived
	// WebSocket.
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Mux returns the route table. Routes must be registered before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// connections are not tracked and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
