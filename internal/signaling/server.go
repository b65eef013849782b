package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

// CloseTryAgainLater is sent when the relay is at capacity.
const CloseTryAgainLater = 1013

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Relay   *relay.Relay
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AllowedOrigins is matched against the upgrade request's Origin header.
	// Empty means same-host only.
	AllowedOrigins []string

	// Keepalive. The read deadline is extended by every pong and every message.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// Inbound hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SendQueueMessages bounds each connection's outbound queue.
	SendQueueMessages int

	// Clock drives the per-connection rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

type Server struct {
	cfg Config
	log *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.Check(r, s.cfg.AllowedOrigins)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleWebSocket)
}

// Len returns the number of open WebSocket connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close terminates every open connection. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueMessages() int {
	if s.cfg.SendQueueMessages <= 0 {
		return 256
	}
	return s.cfg.SendQueueMessages
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Relay == nil {
		http.Error(w, "relay not configured", http.StatusInternalServerError)
		return
	}

	// The handshake response is written by the upgrader, so headers set by
	// middleware (X-Request-ID) are passed through explicitly.
	conn, err := s.upgrader.Upgrade(w, r, w.Header().Clone())
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		return
	}

	c := newWSConn(s, conn, uuid.NewString())
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(c)

	if err := s.cfg.Relay.OnConnect(c); err != nil {
		code, reason := websocket.CloseInternalServerErr, "internal error"
		if errors.Is(err, relay.ErrTooManyConnections) {
			code, reason = CloseTryAgainLater, "too many connections"
		}
		s.log.Warn("signaling connection rejected", "connection_id", c.id, "remote_addr", r.RemoteAddr, "err", err)
		c.closeWith(code, reason)
		_ = conn.Close()
		return
	}
	s.log.Debug("signaling connection opened", "connection_id", c.id, "remote_addr", r.RemoteAddr)

	c.run()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}
