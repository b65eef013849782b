// Package webrtcpeer builds pion peer connections for signaling endpoints and
// adapts them to the endpoint package.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

// Option adjusts the SettingEngine before the API is built.
type Option func(*webrtc.SettingEngine)

// WithLogger routes pion's internal logging through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(se *webrtc.SettingEngine) {
		se.LoggerFactory = NewLoggerFactory(logger)
	}
}

// NewAPI returns an API with the default codecs registered and the network
// settings applied.
func NewAPI(network config.WebRTCNetwork, opts ...Option) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, network); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, network config.WebRTCNetwork) error {
	if network.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(network.UDPPortRange.Min, network.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(network.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch network.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", network.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(network.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; restrict
	// candidate gathering and socket binding via IPFilter instead.
	if !config.IsUnspecifiedIP(network.UDPListenIP) {
		listenIP := network.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
