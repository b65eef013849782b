package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/endpoint"
)

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// OnTrack is called for each remote track. May be nil.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	Logger  *slog.Logger
}

// PeerConnection adapts a pion PeerConnection to endpoint.PeerConnection.
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

var _ endpoint.PeerConnection = (*PeerConnection)(nil)

func New(cfg Config) (*PeerConnection, error) {
	if cfg.API == nil {
		return nil, errors.New("webrtcpeer: nil API")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	p := &PeerConnection{pc: pc, log: cfg.Logger}

	if cfg.OnTrack != nil {
		pc.OnTrack(cfg.OnTrack)
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state changed", "state", s.String())
	})
	return p, nil
}

// NewFactory returns a constructor suitable for endpoint.Config.
func NewFactory(cfg Config) func() (endpoint.PeerConnection, error) {
	return func() (endpoint.PeerConnection, error) {
		return New(cfg)
	}
}

// CreateOffer adds a receive-only audio transceiver when none exists yet and
// creates the offer.
func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if len(p.pc.GetTransceivers()) == 0 {
		_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	return p.pc.CreateOffer(nil)
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// AttachMedia adds every track of src. Incoming RTCP for each sender is
// drained until the connection closes.
func (p *PeerConnection) AttachMedia(src endpoint.MediaSource) error {
	for _, track := range src.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *PeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}
