package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

func newReceiveCmd(opts *config.PeerOptions) *cobra.Command {
	var (
		out      string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:     "receive",
		Aliases: []string{"r"},
		Short:   "Connect to the current sender and record its audio",
		Long: `Register with the relay as a receiver, offer to receive audio from the
current sender and record the track to an Ogg file.

Examples:
  aero-webrtc-signal-peer receive --out recording.ogg
  aero-webrtc-signal-peer receive -o recording.ogg --duration 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadPeer(opts)
			if err != nil {
				return err
			}

			sink, err := webrtcpeer.NewOggSink(out, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := sink.Close(); err != nil {
					logger.Warn("close recording", "path", out, "err", err)
				}
			}()

			p, err := newPeer(cfg, logger, peerParams{OnTrack: sink.HandleTrack})
			if err != nil {
				return err
			}
			return runReceiver(cmd.Context(), p, duration)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Ogg file to record into")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after recording for this long (0 = until interrupted)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// runReceiver starts one negotiation with the current sender and keeps the
// connection until ctx is cancelled, duration elapses or the attempt ends.
func runReceiver(ctx context.Context, p *peer, duration time.Duration) error {
	if err := p.connect(ctx); err != nil {
		return fmt.Errorf("register as receiver: %w", err)
	}
	defer p.close()

	p.log.Info("registered as receiver", "id", p.session.ID(), "sender_id", p.session.SenderID())

	// Action looks the sender up again when none was online at registration
	// and fails with endpoint.ErrNoSender if there still is none.
	if err := p.endpoint.Action(); err != nil {
		return fmt.Errorf("start negotiation: %w", err)
	}
	if err := p.waitConnected(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil
	case <-timeout:
		p.log.Info("recording duration reached", "duration", duration)
		return p.endpoint.Action()
	case state := <-p.failed:
		return fmt.Errorf("connection %s", state)
	case <-p.offline:
		return errRelayLost
	}
}
