package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarPeerRelayURL    = "AERO_SIGNAL_PEER_RELAY_URL"
	envVarPeerName        = "AERO_SIGNAL_PEER_NAME"
	envVarPeerTrickle     = "AERO_SIGNAL_PEER_TRICKLE"
	envVarPeerLogFormat   = "AERO_SIGNAL_PEER_LOG_FORMAT"
	envVarPeerLogLevel    = "AERO_SIGNAL_PEER_LOG_LEVEL"
	envVarPeerUDPPortMin  = "AERO_SIGNAL_PEER_WEBRTC_UDP_PORT_MIN"
	envVarPeerUDPPortMax  = "AERO_SIGNAL_PEER_WEBRTC_UDP_PORT_MAX"
	envVarPeerUDPListenIP = "AERO_SIGNAL_PEER_WEBRTC_UDP_LISTEN_IP"

	envVarPeerUsePublicSTUN          = "AERO_SIGNAL_PEER_USE_PUBLIC_STUN"
	envVarPeerNAT1To1IPs             = "AERO_SIGNAL_PEER_WEBRTC_NAT_1TO1_IPS"
	envVarPeerNAT1To1IPCandidateType = "AERO_SIGNAL_PEER_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

// Flag names shared between the peer command and LoadPeer.
const (
	FlagRelayURL                     = "relay-url"
	FlagName                         = "name"
	FlagTrickle                      = "trickle"
	FlagLogFormat                    = "log-format"
	FlagLogLevel                     = "log-level"
	FlagICEServersJSON               = "ice-servers-json"
	FlagSTUNURLs                     = "stun-urls"
	FlagTURNURLs                     = "turn-urls"
	FlagTURNUsername                 = "turn-username"
	FlagTURNCredential               = "turn-credential"
	FlagUsePublicSTUN                = "use-public-stun"
	FlagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	FlagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	FlagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
	FlagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	FlagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
)

const (
	DefaultPeerRelayURL      = "ws://127.0.0.1:8080/signal"
	DefaultPeerName          = "anonymous"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is the smallest UDP port range we accept
// for ICE. Tighter ranges cause sporadic candidate gathering failures.
const recommendedWebRTCUDPPortRangeSize = 100

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork controls how a local PeerConnection gathers ICE candidates.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	UDPPortRange *UDPPortRange

	// UDPListenIP restricts ICE UDP sockets to one local interface address.
	// Unspecified (0.0.0.0 / ::) means all interfaces.
	UDPListenIP net.IP

	// NAT1To1IPs are public IPs to advertise when the peer runs behind a 1:1
	// NAT. Values are literal IPs.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
}

// PeerOptions carries the raw flag values of the peer command. Changed
// reports whether the named flag was set explicitly; nil means none were.
type PeerOptions struct {
	RelayURL  string
	Name      string
	Trickle   bool
	LogFormat string
	LogLevel  string

	ICEServersJSON string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
	UsePublicSTUN  bool

	WebRTCUDPPortMin             uint
	WebRTCUDPPortMax             uint
	WebRTCUDPListenIP            string
	WebRTCNAT1To1IPs             string
	WebRTCNAT1To1IPCandidateType string

	Changed func(flag string) bool
}

type PeerConfig struct {
	RelayURL   string
	Name       string
	Trickle    bool
	LogFormat  LogFormat
	LogLevel   slog.Level
	ICEServers []webrtc.ICEServer
	WebRTC     WebRTCNetwork
}

// LoadPeer resolves the peer configuration. An explicitly set flag wins over
// the environment, which wins over the flag default.
func LoadPeer(opts PeerOptions) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, opts)
}

func loadPeer(lookup func(string) (string, bool), opts PeerOptions) (PeerConfig, error) {
	env := envReader{lookup: lookup}
	changed := opts.Changed
	if changed == nil {
		changed = func(string) bool { return false }
	}
	pick := func(flagName, flagValue, envKey string) string {
		if changed(flagName) {
			return flagValue
		}
		return env.str(envKey, flagValue)
	}

	relayURL := strings.TrimSpace(pick(FlagRelayURL, opts.RelayURL, envVarPeerRelayURL))
	name := strings.TrimSpace(pick(FlagName, opts.Name, envVarPeerName))
	logFormatStr := pick(FlagLogFormat, opts.LogFormat, envVarPeerLogFormat)
	logLevelStr := pick(FlagLogLevel, opts.LogLevel, envVarPeerLogLevel)
	iceServersJSON := pick(FlagICEServersJSON, opts.ICEServersJSON, envICEServersJSON)
	stunURLs := pick(FlagSTUNURLs, opts.STUNURLs, envStunURLs)
	turnURLs := pick(FlagTURNURLs, opts.TURNURLs, envTurnURLs)
	turnUsername := pick(FlagTURNUsername, opts.TURNUsername, envTurnUsername)
	turnCredential := pick(FlagTURNCredential, opts.TURNCredential, envTurnCredential)
	listenIPStr := pick(FlagWebRTCUDPListenIP, opts.WebRTCUDPListenIP, envVarPeerUDPListenIP)
	nat1To1IPsStr := pick(FlagWebRTCNAT1To1IPs, opts.WebRTCNAT1To1IPs, envVarPeerNAT1To1IPs)
	candidateTypeStr := pick(FlagWebRTCNAT1To1IPCandidateType, opts.WebRTCNAT1To1IPCandidateType, envVarPeerNAT1To1IPCandidateType)

	trickle := opts.Trickle
	if !changed(FlagTrickle) {
		trickle = env.bool(envVarPeerTrickle, opts.Trickle)
	}
	usePublicSTUN := opts.UsePublicSTUN
	if !changed(FlagUsePublicSTUN) {
		usePublicSTUN = env.bool(envVarPeerUsePublicSTUN, opts.UsePublicSTUN)
	}
	if env.err != nil {
		return PeerConfig{}, env.err
	}

	portMin := opts.WebRTCUDPPortMin
	if !changed(FlagWebRTCUDPPortMin) {
		if raw, ok := lookup(envVarPeerUDPPortMin); ok && strings.TrimSpace(raw) != "" {
			p, err := parsePortString(raw)
			if err != nil {
				return PeerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarPeerUDPPortMin, raw, err)
			}
			portMin = uint(p)
		}
	}
	portMax := opts.WebRTCUDPPortMax
	if !changed(FlagWebRTCUDPPortMax) {
		if raw, ok := lookup(envVarPeerUDPPortMax); ok && strings.TrimSpace(raw) != "" {
			p, err := parsePortString(raw)
			if err != nil {
				return PeerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarPeerUDPPortMax, raw, err)
			}
			portMax = uint(p)
		}
	}

	if relayURL == "" {
		relayURL = DefaultPeerRelayURL
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarPeerRelayURL, FlagRelayURL, relayURL, err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "ws" && scheme != "wss" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--%s %q (expected ws:// or wss://)", envVarPeerRelayURL, FlagRelayURL, relayURL)
	}
	if u.Host == "" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--%s %q (missing host)", envVarPeerRelayURL, FlagRelayURL, relayURL)
	}
	if name == "" {
		name = DefaultPeerName
	}

	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = string(LogFormatText)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return PeerConfig{}, err
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return PeerConfig{}, err
	}

	network, err := parseWebRTCNetwork(portMin, portMax, listenIPStr, nat1To1IPsStr, candidateTypeStr)
	if err != nil {
		return PeerConfig{}, err
	}

	iceServers, err := ICESources{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
		UsePublicSTUN:  usePublicSTUN,
	}.Resolve()
	if err != nil {
		return PeerConfig{}, err
	}

	return PeerConfig{
		RelayURL:   relayURL,
		Name:       name,
		Trickle:    trickle,
		LogFormat:  logFormat,
		LogLevel:   level,
		ICEServers: iceServers,
		WebRTC:     network,
	}, nil
}

func parseWebRTCNetwork(portMin, portMax uint, listenIPStr, nat1To1IPsStr, candidateTypeStr string) (WebRTCNetwork, error) {
	var network WebRTCNetwork

	if (portMin == 0) != (portMax == 0) {
		return WebRTCNetwork{}, fmt.Errorf("--%s and --%s must be set together (or both unset)", FlagWebRTCUDPPortMin, FlagWebRTCUDPPortMax)
	}
	if portMin != 0 {
		min, err := parsePortUint(portMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("--%s: %w", FlagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(portMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("--%s: %w", FlagWebRTCUDPPortMax, err)
		}
		if min > max {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		network.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	if strings.TrimSpace(listenIPStr) == "" {
		listenIPStr = DefaultWebRTCUDPListenIP
	}
	network.UDPListenIP = net.ParseIP(strings.TrimSpace(listenIPStr))
	if network.UDPListenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--%s %q", envVarPeerUDPListenIP, FlagWebRTCUDPListenIP, listenIPStr)
	}

	if strings.TrimSpace(nat1To1IPsStr) != "" {
		ips, err := parseIPList(nat1To1IPsStr)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarPeerNAT1To1IPs, FlagWebRTCNAT1To1IPs, nat1To1IPsStr, err)
		}
		network.NAT1To1IPs = ips
	}

	if strings.TrimSpace(candidateTypeStr) == "" {
		candidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	candidateType, err := parseCandidateType(candidateTypeStr)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarPeerNAT1To1IPCandidateType, FlagWebRTCNAT1To1IPCandidateType, candidateTypeStr, err)
	}
	network.NAT1To1IPCandidateType = candidateType

	return network, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
