package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/endpoint"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

var errRelayLost = errors.New("lost connection to the relay")

type peerParams struct {
	IsSender bool
	Media    endpoint.MediaSource
	OnTrack  func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// Options are applied to the WebRTC setting engine after the network
	// settings from the config.
	Options []webrtcpeer.Option
}

// peer is one registered endpoint: a signaling session bound to a
// negotiation endpoint.
type peer struct {
	log      *slog.Logger
	session  *session.Session
	endpoint *endpoint.Endpoint

	// connected fires on the first connected or completed state. failed
	// fires when an established attempt ends.
	connected chan struct{}
	failed    chan string
	offline   chan struct{}
}

func newPeer(cfg config.PeerConfig, logger *slog.Logger, p peerParams) (*peer, error) {
	opts := append([]webrtcpeer.Option{webrtcpeer.WithLogger(logger)}, p.Options...)
	api, err := webrtcpeer.NewAPI(cfg.WebRTC, opts...)
	if err != nil {
		return nil, err
	}

	sess := session.New(session.Config{
		Dial: func(ctx context.Context) (channel.Channel, error) {
			return channel.Dial(ctx, cfg.RelayURL, nil, logger)
		},
		IsSender: p.IsSender,
		Name:     cfg.Name,
		Logger:   logger,
	})
	ep := endpoint.New(endpoint.Config{
		IsSender: p.IsSender,
		Trickle:  cfg.Trickle,
		NewPeerConnection: webrtcpeer.NewFactory(webrtcpeer.Config{
			API:        api,
			ICEServers: cfg.ICEServers,
			OnTrack:    p.OnTrack,
			Logger:     logger,
		}),
		Media:    p.Media,
		Signaler: sess,
		Logger:   logger,
	})
	sess.Bind(ep)

	pr := &peer{
		log:       logger,
		session:   sess,
		endpoint:  ep,
		connected: make(chan struct{}),
		failed:    make(chan string, 1),
		offline:   make(chan struct{}),
	}

	var connectedOnce, offlineOnce sync.Once
	ep.OnStateChange(func(tr endpoint.Transition) {
		logger.Info("connection state changed", "from", tr.From, "to", tr.To, "control", tr.Control.Label)
		switch tr.To {
		case endpoint.StateConnected, endpoint.StateCompleted:
			connectedOnce.Do(func() { close(pr.connected) })
		case endpoint.StateFailed, endpoint.StateDisconnected:
			select {
			case pr.failed <- tr.To:
			default:
			}
		}
	})
	ep.OnError(func(err error) {
		logger.Warn("negotiation error", "err", err)
	})
	sess.OnStateChange(func(c session.StateChange) {
		if c.From == session.StateOnline && c.To == session.StateOffline {
			offlineOnce.Do(func() { close(pr.offline) })
		}
	})
	return pr, nil
}

// connect registers with the relay.
func (p *peer) connect(ctx context.Context) error {
	return p.session.Connect(ctx)
}

// close tears down the peer connection and leaves the relay.
func (p *peer) close() {
	if err := p.endpoint.Close(); err != nil {
		p.log.Debug("close peer connection", "err", err)
	}
	p.session.Disconnect()
}

// waitConnected blocks until the endpoint connects. It returns ctx.Err() on
// cancellation and errRelayLost when the relay drops the session.
func (p *peer) waitConnected(ctx context.Context) error {
	select {
	case <-p.connected:
		return nil
	case <-p.offline:
		return errRelayLost
	case <-ctx.Done():
		return ctx.Err()
	}
}
