// Package config resolves the relay and peer settings from flags and the
// environment. Flags win over environment variables, which win over
// built-in defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_SIGNAL_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_WEBRTC_SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_SIGNAL_RELAY_MODE"

	envVarSenderArbitration = "SENDER_ARBITRATION"
	envVarMaxConnections    = "MAX_CONNECTIONS"
	envVarSendQueueMessages = "SIGNALING_SEND_QUEUE_MESSAGES"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

// Exported env var names, used by tests and startup warnings.
const (
	EnvAllowedOrigins    = envVarAllowedOrigins
	EnvSenderArbitration = envVarSenderArbitration
	EnvMaxConnections    = envVarMaxConnections
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second
	DefaultMode       = ModeDev

	DefaultSenderArbitration = SenderArbitrationLastWins
	DefaultSendQueueMessages = 256

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// SenderArbitration selects how the relay resolves a second sender syn.
type SenderArbitration string

const (
	SenderArbitrationLastWins SenderArbitration = "last_wins"
	SenderArbitrationReject   SenderArbitration = "reject"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	SenderArbitration SenderArbitration
	// MaxConnections bounds concurrent signaling connections. 0 means
	// unlimited.
	MaxConnections    int
	SendQueueMessages int

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICEServers is served to clients from /webrtc/ice.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. The relay
// still starts so that signaling keeps working, but /readyz fails.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	env := envReader{lookup: lookup}

	var (
		cfg            Config
		ice            ICESources
		modeStr        string
		logFormatStr   string
		logLevelStr    string
		originsStr     string
		arbitrationStr string
	)

	fs := flag.NewFlagSet("aero-webrtc-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", env.str(envVarListenAddr, DefaultListenAddr), "HTTP listen address (host:port)")
	fs.StringVar(&originsStr, "allowed-origins", env.str(envVarAllowedOrigins, ""), "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", env.str(envVarMode, string(DefaultMode)), "Run mode: dev or prod")
	// Left empty, the log format and level follow --mode.
	fs.StringVar(&logFormatStr, "log-format", env.str(envVarLogFormat, ""), "Log format: text or json (default json in prod, text in dev)")
	fs.StringVar(&logLevelStr, "log-level", env.str(envVarLogLevel, ""), "Log level: debug, info, warn, error (default info in prod, debug in dev)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", env.duration(envVarShutdownTimeout, DefaultShutdown), "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&ice.JSON, "ice-servers-json", env.str(envICEServersJSON, ""), "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.STUNURLs, "stun-urls", env.str(envStunURLs, ""), "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.TURNURLs, "turn-urls", env.str(envTurnURLs, ""), "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.TURNUsername, "turn-username", env.str(envTurnUsername, ""), "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.TURNCredential, "turn-credential", env.str(envTurnCredential, ""), "TURN credential ("+envTurnCredential+")")

	fs.StringVar(&arbitrationStr, "sender-arbitration", env.str(envVarSenderArbitration, string(DefaultSenderArbitration)), "Second sender syn handling: last_wins or reject (env "+envVarSenderArbitration+")")
	fs.IntVar(&cfg.MaxConnections, "max-connections", env.int(envVarMaxConnections, 0), "Maximum concurrent signaling connections (0 = unlimited; env "+envVarMaxConnections+")")
	fs.IntVar(&cfg.SendQueueMessages, "signaling-send-queue-messages", env.int(envVarSendQueueMessages, DefaultSendQueueMessages), "Max queued outbound messages per signaling connection (env "+envVarSendQueueMessages+")")
	fs.DurationVar(&cfg.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", env.duration(envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout), "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&cfg.SignalingWSPingInterval, "signaling-ws-ping-interval", env.duration(envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval), "Ping interval on signaling WebSocket connections, below the idle timeout (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&cfg.MaxSignalingMessageBytes, "max-signaling-message-bytes", env.int64(envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes), "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&cfg.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", env.int(envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond), "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	if env.err != nil {
		return Config{}, env.err
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	var err error
	if cfg.Mode, err = parseMode(modeStr); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, cfg.LogLevel, err = parseLogging(cfg.Mode, logFormatStr, logLevelStr); err != nil {
		return Config{}, err
	}
	if cfg.SenderArbitration, err = parseSenderArbitration(arbitrationStr); err != nil {
		return Config{}, fmt.Errorf("%s/--sender-arbitration: %w", envVarSenderArbitration, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(originsStr); err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	// An invalid ICE configuration only fails readiness.
	cfg.ICEServers, cfg.iceConfigErr = ice.Resolve()
	if cfg.iceConfigErr != nil {
		cfg.ICEServers = nil
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ListenAddr == "", "listen address must not be empty")
	check(c.ShutdownTimeout <= 0, "shutdown timeout must be > 0")
	check(c.MaxConnections < 0, "%s/--max-connections must be >= 0", envVarMaxConnections)
	check(c.SendQueueMessages <= 0, "%s/--signaling-send-queue-messages must be > 0", envVarSendQueueMessages)
	check(c.SignalingWSIdleTimeout <= 0, "%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	check(c.SignalingWSPingInterval <= 0, "%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	check(c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout,
		"%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout",
		envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	check(c.MaxSignalingMessageBytes <= 0, "%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	check(c.MaxSignalingMessagesPerSecond <= 0, "%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)

	return errors.Join(errs...)
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	}
	return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
}

func parseSenderArbitration(raw string) (SenderArbitration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SenderArbitrationLastWins), "last-wins", "":
		return SenderArbitrationLastWins, nil
	case string(SenderArbitrationReject):
		return SenderArbitrationReject, nil
	}
	return "", fmt.Errorf("invalid sender arbitration %q (expected %s or %s)", raw, SenderArbitrationLastWins, SenderArbitrationReject)
}

// parseAllowedOrigins normalizes a comma-separated origin allow-list. "*"
// and "null" pass through unchanged.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitList(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}
