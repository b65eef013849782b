package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

func newSendCmd(opts *config.PeerOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     "send",
		Aliases: []string{"s"},
		Short:   "Register as the sender and stream an Ogg/Opus file",
		Long: `Register with the relay as the sender, answer the first receiver's offer
and stream the file once the connection is up.

Examples:
  aero-webrtc-signal-peer send --file audio.ogg
  aero-webrtc-signal-peer send --relay-url wss://relay.example.com/signal -f audio.ogg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadPeer(opts)
			if err != nil {
				return err
			}

			source, err := webrtcpeer.NewOggSource(file, logger)
			if err != nil {
				return err
			}

			p, err := newPeer(cfg, logger, peerParams{IsSender: true, Media: source})
			if err != nil {
				return err
			}
			return runSender(cmd.Context(), p, source)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Ogg/Opus file to stream")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type mediaRunner interface {
	Run(ctx context.Context) error
}

// runSender waits for a receiver to connect, then plays source until it ends
// or ctx is cancelled.
func runSender(ctx context.Context, p *peer, source mediaRunner) error {
	if err := p.connect(ctx); err != nil {
		return fmt.Errorf("register as sender: %w", err)
	}
	defer p.close()
	p.log.Info("registered as sender; waiting for a receiver", "id", p.session.ID())

	if err := p.waitConnected(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.offline:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.log.Info("streaming")
	err := source.Run(ctx)
	if errors.Is(err, context.Canceled) {
		select {
		case <-p.offline:
			return errRelayLost
		default:
			return nil
		}
	}
	return err
}
