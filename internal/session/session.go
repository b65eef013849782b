// Package session manages one client's signaling lifecycle:
// Offline -> Connecting -> Online -> Offline.
//
// A session owns the channel to the relay and the correlator on top of it.
// It answers every forwarded sig with a sig-ack and hands descriptions and
// candidates to the bound Handler.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/correlator"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
)

var (
	ErrAlreadyConnected = errors.New("session already has a channel")
	ErrOffline          = errors.New("session is offline")
)

type State string

const (
	StateOffline    State = "offline"
	StateConnecting State = "connecting"
	StateOnline     State = "online"
)

type StateChange struct {
	From State
	To   State
}

// Handler consumes negotiation messages forwarded by the relay.
type Handler interface {
	HandleDescription(body json.RawMessage, from string) error
	HandleCandidate(body json.RawMessage) error
}

type Config struct {
	// Dial opens a new channel to the relay.
	Dial     func(ctx context.Context) (channel.Channel, error)
	IsSender bool
	// Name is sent with the syn. It is informational only.
	Name   string
	Logger *slog.Logger
}

type Session struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	attempt  uint64
	ch       channel.Channel
	corr     *correlator.Correlator
	senderID string
	id       string
	handler  Handler
	onChange []func(StateChange)
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "anonymous"
	}
	return &Session{
		cfg:   cfg,
		log:   cfg.Logger,
		state: StateOffline,
	}
}

// OnStateChange registers fn to be called on every state transition. It must
// be called before Connect.
func (s *Session) OnStateChange(fn func(StateChange)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Bind sets the handler for forwarded descriptions and candidates. Until a
// handler is bound, forwarded sigs are answered with
// "endpoint not initialized".
func (s *Session) Bind(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SenderID returns the sender's connection id as reported by the latest
// syn-ack (Connect or Resync). It is empty when no sender was online then.
func (s *Session) SenderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderID
}

// ID returns this session's own connection id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) IsSender() bool { return s.cfg.IsSender }

// Connect opens a channel, registers with the relay and waits for the
// syn-ack. It fails immediately if a connect is in progress or the session is
// already online.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOffline {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.attempt++
	attempt := s.attempt
	change := s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.notify(change)

	ch, err := s.cfg.Dial(ctx)
	if err != nil {
		s.abort(attempt, nil)
		return fmt.Errorf("connect: %w", err)
	}

	corr := correlator.New(ch, s.log)
	ch.On(protocol.EventSig, func(data json.RawMessage) { s.handleSig(ch, data) })

	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		_ = ch.Close()
		return ErrOffline
	}
	s.ch = ch
	s.corr = corr
	s.mu.Unlock()

	go s.watch(attempt, ch)

	ack, err := corr.Send(ctx, protocol.EventSyn, &protocol.Syn{Name: s.cfg.Name, IsSender: s.cfg.IsSender})
	if err != nil {
		s.abort(attempt, ch)
		return fmt.Errorf("syn: %w", err)
	}

	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return ErrOffline
	}
	s.senderID = ack.SenderID
	s.id = ack.ID
	change = s.setStateLocked(StateOnline)
	s.mu.Unlock()
	s.notify(change)

	s.log.Info("signaling online", "id", ack.ID, "sender_id", ack.SenderID, "is_sender", s.cfg.IsSender)
	return nil
}

// Resync repeats the syn on the open channel and records the sender id from
// its syn-ack. A receiver that registered before any sender was online uses
// it to find the sender.
func (s *Session) Resync(ctx context.Context) (string, error) {
	s.mu.Lock()
	corr, attempt := s.corr, s.attempt
	online := s.state == StateOnline
	s.mu.Unlock()
	if !online || corr == nil {
		return "", ErrOffline
	}

	ack, err := corr.Send(ctx, protocol.EventSyn, &protocol.Syn{Name: s.cfg.Name, IsSender: s.cfg.IsSender})
	if err != nil {
		return "", fmt.Errorf("syn: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt {
		return "", ErrOffline
	}
	if s.senderID != ack.SenderID {
		s.log.Info("sender changed", "sender_id", ack.SenderID, "previous_sender_id", s.senderID)
	}
	s.senderID = ack.SenderID
	return ack.SenderID, nil
}

// Disconnect goes offline and closes the channel. In-flight requests fail
// with correlator.ErrChannelClosed.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.attempt++
	ch := s.ch
	s.ch = nil
	s.corr = nil
	change := s.setStateLocked(StateOffline)
	s.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	s.notify(change)
}

// Signal posts a routed message to peer to. The returned call resolves with
// the peer's acknowledgement.
func (s *Session) Signal(kind protocol.SigType, to string, body any) (*correlator.Call, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}

	s.mu.Lock()
	corr := s.corr
	s.mu.Unlock()
	if corr == nil {
		return nil, ErrOffline
	}
	return corr.Post(protocol.EventSig, &protocol.Sig{Type: kind, To: to, Body: raw})
}

func (s *Session) handleSig(ch channel.Channel, data json.RawMessage) {
	sig, err := protocol.DecodeSig(data)
	if err != nil {
		s.log.Warn("dropping malformed sig", "err", err)
		return
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		s.log.Warn("sig received before endpoint was bound", "from", sig.From, "type", sig.Type)
		ack := protocol.Failure(sig.MsgID, protocol.ReasonEndpointNotInitialized)
		ack.To = sig.From
		s.emitAck(ch, ack)
		return
	}

	s.emitAck(ch, protocol.Ack{Success: true, To: sig.From, MsgID: sig.MsgID})

	switch sig.Type {
	case protocol.SigDescription:
		err = h.HandleDescription(sig.Body, sig.From)
	case protocol.SigCandidate:
		err = h.HandleCandidate(sig.Body)
	default:
		err = fmt.Errorf("unknown sig type %q", sig.Type)
	}
	if err != nil {
		s.log.Warn("failed to handle sig", "from", sig.From, "type", sig.Type, "err", err)
	}
}

func (s *Session) emitAck(ch channel.Channel, ack protocol.Ack) {
	if err := ch.Emit(protocol.EventSigAck, ack); err != nil {
		s.log.Warn("failed to send sig-ack", "to", ack.To, "err", err)
	}
}

// watch moves the session offline when the relay closes the channel.
func (s *Session) watch(attempt uint64, ch channel.Channel) {
	<-ch.Done()
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	s.corr = nil
	change := s.setStateLocked(StateOffline)
	s.mu.Unlock()

	s.log.Info("signaling disconnected by remote")
	s.notify(change)
}

func (s *Session) abort(attempt uint64, ch channel.Channel) {
	if ch != nil {
		_ = ch.Close()
	}
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	s.attempt++
	s.ch = nil
	s.corr = nil
	change := s.setStateLocked(StateOffline)
	s.mu.Unlock()
	s.notify(change)
}

func (s *Session) setStateLocked(to State) StateChange {
	change := StateChange{From: s.state, To: to}
	s.state = to
	return change
}

func (s *Session) notify(change StateChange) {
	if change.From == change.To {
		return
	}
	s.mu.Lock()
	fns := append(([]func(StateChange))(nil), s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}
