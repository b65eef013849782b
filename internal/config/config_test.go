package config

import (
	"errors"
	"flag"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("shutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.SenderArbitration != SenderArbitrationLastWins {
		t.Fatalf("senderArbitration=%q, want %q", cfg.SenderArbitration, SenderArbitrationLastWins)
	}
	if cfg.MaxConnections != 0 {
		t.Fatalf("maxConnections=%d, want 0", cfg.MaxConnections)
	}
	if cfg.SendQueueMessages != DefaultSendQueueMessages {
		t.Fatalf("sendQueueMessages=%d, want %d", cfg.SendQueueMessages, DefaultSendQueueMessages)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("idle=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("ping=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("maxMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("maxMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("allowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 0 || cfg.ICEConfigError() != nil {
		t.Fatalf("iceServers=%v err=%v", cfg.ICEServers, cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:     "0.0.0.0:9000",
		EnvMaxConnections:    "4",
		EnvSenderArbitration: "reject",
	}), []string{"--max-connections", "8"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("listenAddr=%q, want env value", cfg.ListenAddr)
	}
	if cfg.MaxConnections != 8 {
		t.Fatalf("maxConnections=%d, want 8", cfg.MaxConnections)
	}
	if cfg.SenderArbitration != SenderArbitrationReject {
		t.Fatalf("senderArbitration=%q, want %q", cfg.SenderArbitration, SenderArbitrationReject)
	}
}

func TestSenderArbitration_Invalid(t *testing.T) {
	_, err := load(noEnv, []string{"--sender-arbitration", "first_wins"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "sender arbitration") {
		t.Fatalf("err=%v", err)
	}
}

func TestSignalingPingMustBeBelowIdle(t *testing.T) {
	_, err := load(noEnv, []string{"--signaling-ws-idle-timeout", "10s", "--signaling-ws-ping-interval", "10s"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "2s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingWSIdleTimeout != 10*time.Second || cfg.SignalingWSPingInterval != 2*time.Second {
		t.Fatalf("idle=%v ping=%v", cfg.SignalingWSIdleTimeout, cfg.SignalingWSPingInterval)
	}
}

func TestRejectsNonPositiveLimits(t *testing.T) {
	cases := [][]string{
		{"--max-connections", "-1"},
		{"--signaling-send-queue-messages", "0"},
		{"--max-signaling-message-bytes", "0"},
		{"--max-signaling-messages-per-second", "0"},
		{"--shutdown-timeout", "0s"},
		{"--listen-addr", ""},
	}
	for _, args := range cases {
		if _, err := load(noEnv, args); err == nil {
			t.Fatalf("expected error for %v, got nil", args)
		}
	}
}

func TestInvalidEnvValue(t *testing.T) {
	_, err := load(lookupMap(map[string]string{EnvMaxConnections: "many"}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), EnvMaxConnections) {
		t.Fatalf("err=%v, want mention of %s", err, EnvMaxConnections)
	}
}

func TestHelpFlag(t *testing.T) {
	_, err := load(noEnv, []string{"--help"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err=%v, want flag.ErrHelp", err)
	}
}

func TestICEConfigErrorIsDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error")
	}
}

func TestICEServersFromFlags(t *testing.T) {
	cfg, err := load(noEnv, []string{"--stun-urls", "stun:stun.example.com:3478"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("iceServers=%#v", cfg.ICEServers)
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelInfo}); err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
