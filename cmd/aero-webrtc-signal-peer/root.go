package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

func newRootCmd() *cobra.Command {
	opts := &config.PeerOptions{}

	cmd := &cobra.Command{
		Use:   "aero-webrtc-signal-peer",
		Short: "Headless WebRTC endpoint for the Aero signaling relay",
		Long: `aero-webrtc-signal-peer connects to a signaling relay and negotiates an
audio-only WebRTC connection with another endpoint.

Examples:
  aero-webrtc-signal-peer send --file audio.ogg
  aero-webrtc-signal-peer receive --out recording.ogg --trickle=false`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.RelayURL, config.FlagRelayURL, config.DefaultPeerRelayURL, "Relay signaling WebSocket URL")
	f.StringVar(&opts.Name, config.FlagName, config.DefaultPeerName, "Name sent to the relay when registering")
	f.BoolVar(&opts.Trickle, config.FlagTrickle, true, "Send candidates as they are gathered instead of in one batch")
	f.StringVar(&opts.LogFormat, config.FlagLogFormat, string(config.LogFormatText), "Log format: text or json")
	f.StringVar(&opts.LogLevel, config.FlagLogLevel, "info", "Log level: debug, info, warn, error")
	f.StringVar(&opts.ICEServersJSON, config.FlagICEServersJSON, "", "ICE servers as a JSON array (overrides the STUN/TURN flags)")
	f.StringVar(&opts.STUNURLs, config.FlagSTUNURLs, "", "Comma-separated STUN URLs")
	f.StringVar(&opts.TURNURLs, config.FlagTURNURLs, "", "Comma-separated TURN URLs")
	f.StringVar(&opts.TURNUsername, config.FlagTURNUsername, "", "TURN username")
	f.StringVar(&opts.TURNCredential, config.FlagTURNCredential, "", "TURN credential")
	f.BoolVar(&opts.UsePublicSTUN, config.FlagUsePublicSTUN, false, "Use "+config.PublicSTUNServer+" when no ICE servers are configured")
	f.UintVar(&opts.WebRTCUDPPortMin, config.FlagWebRTCUDPPortMin, 0, "Lowest UDP port used for ICE (0 = ephemeral)")
	f.UintVar(&opts.WebRTCUDPPortMax, config.FlagWebRTCUDPPortMax, 0, "Highest UDP port used for ICE (0 = ephemeral)")
	f.StringVar(&opts.WebRTCUDPListenIP, config.FlagWebRTCUDPListenIP, config.DefaultWebRTCUDPListenIP, "Local IP to gather ICE candidates on")
	f.StringVar(&opts.WebRTCNAT1To1IPs, config.FlagWebRTCNAT1To1IPs, "", "Comma-separated public IPs to advertise behind a 1:1 NAT")
	f.StringVar(&opts.WebRTCNAT1To1IPCandidateType, config.FlagWebRTCNAT1To1IPCandidateType, "", "Candidate type for NAT 1:1 IPs: host or srflx")

	opts.Changed = func(name string) bool {
		fl := f.Lookup(name)
		return fl != nil && fl.Changed
	}

	cmd.AddCommand(newSendCmd(opts), newReceiveCmd(opts))
	return cmd
}

// loadPeer resolves the configuration for a subcommand and installs its
// logger as the default.
func loadPeer(opts *config.PeerOptions) (config.PeerConfig, *slog.Logger, error) {
	cfg, err := config.LoadPeer(*opts)
	if err != nil {
		return config.PeerConfig{}, nil, err
	}
	logger, err := config.NewPeerLogger(cfg)
	if err != nil {
		return config.PeerConfig{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
