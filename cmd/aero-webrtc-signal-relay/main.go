package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

// Set with -ldflags "-X main.buildCommit=... -X main.buildTime=...".
var (
	buildCommit string
	buildTime   string
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 2 for configuration errors, 1 for
// runtime failures.
func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"sender_arbitration", cfg.SenderArbitration,
		"max_connections", cfg.MaxConnections,
		"signaling_send_queue_messages", cfg.SendQueueMessages,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice server configuration is invalid; /readyz will report not ready", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.ListenAddr, "err", err)
		return 1
	}

	m := metrics.New()
	r := relay.New(relay.Config{
		MaxConnections: cfg.MaxConnections,
		Arbitration:    relayArbitration(cfg.SenderArbitration),
		Metrics:        m,
		Logger:         logger,
	})
	sig := signaling.NewServer(signaling.Config{
		Relay:                         r,
		Metrics:                       m,
		Logger:                        logger,
		AllowedOrigins:                cfg.AllowedOrigins,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueMessages:             cfg.SendQueueMessages,
	})
	// http.Server.Shutdown leaves hijacked WebSockets open.
	defer sig.Close()

	srv := httpserver.New(cfg, logger, buildInfo(buildCommit, buildTime))
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metricsHandler(m, r))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		return exitCode(logger, err)
	case <-ctx.Done():
		logger.Info("shutdown signal received", "timeout", cfg.ShutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	return exitCode(logger, <-serveErr)
}

func exitCode(logger *slog.Logger, serveErr error) int {
	if serveErr == nil || errors.Is(serveErr, httpserver.ErrServerClosed) {
		return 0
	}
	logger.Error("http server exited", "err", serveErr)
	return 1
}

func relayArbitration(a config.SenderArbitration) relay.Arbitration {
	switch a {
	case config.SenderArbitrationReject:
		return relay.ArbitrationReject
	default:
		// Validated by config.Load.
		return relay.ArbitrationLastWins
	}
}

func metricsHandler(m *metrics.Metrics, r *relay.Relay) http.Handler {
	return metrics.PrometheusHandler(m,
		metrics.Gauge{
			Name:  "aero_webrtc_signal_relay_connections",
			Help:  "Currently registered signaling connections.",
			Value: func() float64 { return float64(r.Len()) },
		},
		metrics.Gauge{
			Name: "aero_webrtc_signal_relay_sender_present",
			Help: "1 when a sender is registered, otherwise 0.",
			Value: func() float64 {
				if r.SenderID() == "" {
					return 0
				}
				return 1
			},
		},
	)
}

// buildInfo prefers ldflags-injected values and falls back to the VCS
// stamp of the Go build, which go run and dev builds still carry.
func buildInfo(commit, builtAt string) httpserver.BuildInfo {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "":
				commit = s.Value
			case s.Key == "vcs.time" && builtAt == "":
				builtAt = s.Value
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}
}
