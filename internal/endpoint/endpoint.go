// Package endpoint drives one side of a WebRTC negotiation over the
// signaling session.
//
// The receiver initiates: Start builds a fresh peer connection and offers to
// receive audio. The sender waits for an offer, attaches its media and
// answers. Local candidates are delivered either one message per candidate
// as they are discovered (trickle) or, by default, as a single batch sent
// after the local description once gathering has finished.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/correlator"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
)

var (
	ErrSenderCannotStart  = errors.New("sender waits for an offer and cannot start")
	ErrOfferToReceiver    = errors.New("receiver got an offer")
	ErrUnexpectedPeer     = errors.New("answer is not from the sender")
	ErrUnsupportedSDPType = errors.New("unsupported description type")
	ErrNoActiveConnection = errors.New("no active peer connection")
	ErrNoLocalDescription = errors.New("local description not set")
	ErrNoSender           = errors.New("no sender is online")
)

// senderLookupTimeout bounds the syn round trip Start makes when no sender
// was online at registration.
const senderLookupTimeout = 10 * time.Second

// MediaSource supplies local tracks to attach to a peer connection.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
}

// PeerConnection is the subset of a pion PeerConnection the endpoint drives.
type PeerConnection interface {
	// CreateOffer offers to receive audio only.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AttachMedia(MediaSource) error
	// OnICECandidate reports each local candidate; nil marks the end of
	// gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	Close() error
}

// Signaler posts routed messages to a peer.
type Signaler interface {
	SenderID() string
	// Resync asks the relay for the current sender id again.
	Resync(ctx context.Context) (string, error)
	Signal(kind protocol.SigType, to string, body any) (*correlator.Call, error)
}

type Config struct {
	IsSender bool
	// Trickle sends each candidate as soon as it is discovered. The mode is
	// fixed for the endpoint's lifetime.
	Trickle           bool
	NewPeerConnection func() (PeerConnection, error)
	// Media is attached to every new peer connection. May be nil.
	Media    MediaSource
	Signaler Signaler
	Logger   *slog.Logger
}

type Endpoint struct {
	cfg Config
	log *slog.Logger

	// sigMu orders outbound description and candidate messages.
	sigMu sync.Mutex

	mu       sync.Mutex
	pc       PeerConnection
	peerID   string
	phase    Phase
	state    string
	control  ActionControl
	descSent bool
	candBuf  []webrtc.ICECandidateInit

	onState func(Transition)
	onError func(error)
}

func New(cfg Config) *Endpoint {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Endpoint{
		cfg:     cfg,
		log:     cfg.Logger.With("role", role(cfg.IsSender), "trickle", cfg.Trickle),
		phase:   PhaseIdle,
		control: initialControl(cfg.IsSender),
	}
	if cfg.IsSender {
		e.phase = PhaseAwaitingRemoteOffer
	}
	return e
}

func role(isSender bool) string {
	if isSender {
		return "sender"
	}
	return "receiver"
}

// OnStateChange sets the connectivity transition callback.
func (e *Endpoint) OnStateChange(fn func(Transition)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// OnError sets the callback for negotiation failures, including failed
// acknowledgements of outbound messages.
func (e *Endpoint) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

// State returns the raw connectivity state, "" before the first attempt.
func (e *Endpoint) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Endpoint) Control() ActionControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control
}

// Start begins a new attempt as the receiver: a brand-new peer connection
// and a receive-audio offer addressed to the current sender. A receiver that
// registered before the sender looks the sender up again first, and Start
// fails with ErrNoSender if there is still none.
func (e *Endpoint) Start() error {
	if e.cfg.IsSender {
		return ErrSenderCannotStart
	}

	to, err := e.senderID()
	if err != nil {
		return e.report(err)
	}
	pc, err := e.newAttempt(to)
	if err != nil {
		return e.report(err)
	}
	if e.cfg.Media != nil {
		if err := pc.AttachMedia(e.cfg.Media); err != nil {
			return e.fail(pc, fmt.Errorf("attach media: %w", err))
		}
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return e.fail(pc, fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return e.fail(pc, fmt.Errorf("set local description: %w", err))
	}
	e.setPhase(pc, PhaseAwaitingRemoteAnswer)
	e.log.Debug("offer created")

	if e.cfg.Trickle {
		e.postDescription(pc, offer)
	}
	return nil
}

func (e *Endpoint) senderID() (string, error) {
	if id := e.cfg.Signaler.SenderID(); id != "" {
		return id, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), senderLookupTimeout)
	defer cancel()
	id, err := e.cfg.Signaler.Resync(ctx)
	if err != nil {
		return "", fmt.Errorf("look up sender: %w", err)
	}
	if id == "" {
		return "", ErrNoSender
	}
	return id, nil
}

// Close releases the active peer connection. It is a no-op when there is
// none.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	pc := e.pc
	if pc == nil {
		e.mu.Unlock()
		return nil
	}
	e.pc = nil
	e.candBuf = nil
	e.phase = PhaseClosed
	tr, changed := e.transitionLocked(StateClosed)
	onState := e.onState
	e.mu.Unlock()

	err := pc.Close()
	if changed && onState != nil {
		onState(tr)
	}
	return err
}

// Action is the connect/disconnect control handler.
func (e *Endpoint) Action() error {
	switch e.State() {
	case "", StateDisconnected, StateClosed:
		if e.cfg.IsSender {
			return nil
		}
		return e.Start()
	case StateConnected, StateCompleted, StateFailed:
		return e.Close()
	default:
		return nil
	}
}

// HandleDescription applies a session description forwarded from peer from.
func (e *Endpoint) HandleDescription(body json.RawMessage, from string) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(body, &desc); err != nil {
		return e.report(fmt.Errorf("decode description: %w", err))
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return e.acceptOffer(desc, from)
	case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		return e.acceptAnswer(desc, from)
	default:
		return e.report(fmt.Errorf("%w: %s", ErrUnsupportedSDPType, desc.Type))
	}
}

// HandleCandidate adds one remote candidate or a batch of them. A candidate
// that fails to apply is reported and skipped.
func (e *Endpoint) HandleCandidate(body json.RawMessage) error {
	var cands []webrtc.ICECandidateInit
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &cands); err != nil {
			return e.report(fmt.Errorf("decode candidates: %w", err))
		}
	} else {
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return e.report(fmt.Errorf("decode candidate: %w", err))
		}
		cands = append(cands, c)
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return e.report(ErrNoActiveConnection)
	}

	for _, c := range cands {
		if err := pc.AddICECandidate(c); err != nil {
			e.report(fmt.Errorf("add candidate %q: %w", c.Candidate, err))
		}
	}
	return nil
}

func (e *Endpoint) acceptOffer(offer webrtc.SessionDescription, from string) error {
	if !e.cfg.IsSender {
		return e.report(ErrOfferToReceiver)
	}

	pc, err := e.newAttempt(from)
	if err != nil {
		return e.report(err)
	}
	if e.cfg.Media != nil {
		if err := pc.AttachMedia(e.cfg.Media); err != nil {
			return e.fail(pc, fmt.Errorf("attach media: %w", err))
		}
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return e.fail(pc, fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return e.fail(pc, fmt.Errorf("create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return e.fail(pc, fmt.Errorf("set local description: %w", err))
	}
	e.setPhase(pc, PhaseCandidateExchange)
	e.log.Debug("answer created", "peer", from)

	if e.cfg.Trickle {
		e.postDescription(pc, answer)
	}
	return nil
}

func (e *Endpoint) acceptAnswer(answer webrtc.SessionDescription, from string) error {
	if sender := e.cfg.Signaler.SenderID(); from != sender {
		return e.report(fmt.Errorf("%w: from=%q sender=%q", ErrUnexpectedPeer, from, sender))
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return e.report(ErrNoActiveConnection)
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return e.fail(pc, fmt.Errorf("set remote description: %w", err))
	}
	e.setPhase(pc, PhaseCandidateExchange)
	return nil
}

// newAttempt replaces the active peer connection with a fresh one addressed
// to peer.
func (e *Endpoint) newAttempt(peer string) (PeerConnection, error) {
	pc, err := e.cfg.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) { e.onLocalCandidate(pc, c) })
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) { e.onICEState(pc, s) })

	e.mu.Lock()
	old := e.pc
	e.pc = pc
	e.peerID = peer
	e.descSent = false
	e.candBuf = nil
	e.phase = PhaseAwaitingLocalDescription
	e.state = StateNew
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return pc, nil
}

func (e *Endpoint) onLocalCandidate(pc PeerConnection, c *webrtc.ICECandidateInit) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()

	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	if c != nil {
		if !e.cfg.Trickle || !e.descSent {
			e.candBuf = append(e.candBuf, *c)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.signal(protocol.SigCandidate, *c)
		return
	}
	e.mu.Unlock()

	if e.cfg.Trickle {
		// End of gathering is not signaled in trickle mode.
		return
	}

	local := pc.LocalDescription()
	if local == nil {
		e.report(ErrNoLocalDescription)
		return
	}

	e.mu.Lock()
	// The description goes out at most once per attempt.
	if e.pc != pc || e.descSent {
		e.mu.Unlock()
		return
	}
	batch := e.candBuf
	e.candBuf = nil
	e.descSent = true
	e.mu.Unlock()

	e.signal(protocol.SigDescription, *local)
	if len(batch) > 0 {
		e.signal(protocol.SigCandidate, batch)
	}
}

// postDescription sends desc and then any candidates gathered before it.
func (e *Endpoint) postDescription(pc PeerConnection, desc webrtc.SessionDescription) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()

	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	e.descSent = true
	buffered := e.candBuf
	e.candBuf = nil
	e.mu.Unlock()

	e.signal(protocol.SigDescription, desc)
	for _, c := range buffered {
		e.signal(protocol.SigCandidate, c)
	}
}

// signal posts one message to the current peer. The acknowledgement is
// awaited off the caller's goroutine; a failure is reported.
func (e *Endpoint) signal(kind protocol.SigType, body any) {
	e.mu.Lock()
	to := e.peerID
	e.mu.Unlock()

	call, err := e.cfg.Signaler.Signal(kind, to, body)
	if err != nil {
		e.report(fmt.Errorf("send %s: %w", kind, err))
		return
	}
	go func() {
		if _, err := call.Wait(context.Background()); err != nil {
			e.report(fmt.Errorf("send %s: %w", kind, err))
		}
	}()
}

func (e *Endpoint) onICEState(pc PeerConnection, s webrtc.ICEConnectionState) {
	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	tr, changed := e.transitionLocked(s.String())
	switch tr.To {
	case StateConnected, StateCompleted:
		e.phase = PhaseConnected
	case StateFailed:
		e.phase = PhaseFailed
	}
	onState := e.onState
	e.mu.Unlock()

	e.log.Info("connection state changed", "from", tr.From, "to", tr.To)
	if changed && onState != nil {
		onState(tr)
	}
}

func (e *Endpoint) transitionLocked(to string) (Transition, bool) {
	from := e.state
	e.state = to
	e.control = nextControl(e.control, to, e.cfg.IsSender)
	return Transition{From: from, To: to, Control: e.control}, from != to
}

func (e *Endpoint) setPhase(pc PeerConnection, p Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc != pc {
		return
	}
	// Connectivity may already have been reached by the time the
	// description step finishes.
	if e.phase == PhaseConnected || e.phase == PhaseFailed {
		return
	}
	e.phase = p
}

// fail marks the attempt failed and reports err.
func (e *Endpoint) fail(pc PeerConnection, err error) error {
	e.mu.Lock()
	if e.pc == pc {
		e.phase = PhaseFailed
	}
	e.mu.Unlock()
	return e.report(err)
}

func (e *Endpoint) report(err error) error {
	e.log.Warn("negotiation error", "err", err)
	e.mu.Lock()
	onError := e.onError
	e.mu.Unlock()
	if onError != nil {
		onError(err)
	}
	return err
}
