// Package relay implements the signaling relay: the registry of connected
// endpoints, sender election, and routing of negotiation messages between
// endpoints.
//
// All registry mutations go through a single mutex. Replies and forwarded
// messages are handed to Peer.Send outside the lock; Send must not block.
package relay

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
)

// Peer is the relay's view of one connected endpoint.
type Peer interface {
	ID() string
	// Send enqueues an event for delivery. It never blocks and returns an
	// error when the event cannot be queued.
	Send(event protocol.Event, payload any) error
}

// Arbitration decides what happens when a second connection claims the
// sender role.
type Arbitration string

const (
	// ArbitrationLastWins hands the sender identity to the most recent
	// sender syn.
	ArbitrationLastWins Arbitration = "last_wins"
	// ArbitrationReject keeps the current sender and fails the newcomer's syn.
	ArbitrationReject Arbitration = "reject"
)

type Config struct {
	// MaxConnections bounds registered endpoints. <= 0 means unlimited.
	MaxConnections int
	Arbitration    Arbitration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// EndpointRecord describes one registered connection.
type EndpointRecord struct {
	ConnectionID string
	ConnectedAt  time.Time
	IsSender     bool
}

type endpoint struct {
	record EndpointRecord
	peer   Peer
}

type Relay struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
	senderID  string
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Arbitration == "" {
		cfg.Arbitration = ArbitrationLastWins
	}
	return &Relay{
		cfg:       cfg,
		log:       cfg.Logger,
		endpoints: make(map[string]*endpoint),
	}
}

// OnConnect registers p with an unknown role.
func (r *Relay) OnConnect(p Peer) error {
	id := p.ID()

	r.mu.Lock()
	if _, ok := r.endpoints[id]; ok {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	if r.cfg.MaxConnections > 0 && len(r.endpoints) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		return ErrTooManyConnections
	}
	r.endpoints[id] = &endpoint{
		record: EndpointRecord{ConnectionID: id, ConnectedAt: r.cfg.Now()},
		peer:   p,
	}
	n := len(r.endpoints)
	r.mu.Unlock()

	r.cfg.Metrics.Inc(metrics.ConnectionsOpened)
	r.log.Info("new connection", "connection_id", id, "connections", n)
	return nil
}

// OnDisconnect removes the record for id and clears the sender identity if
// id held it. There is no re-election.
func (r *Relay) OnDisconnect(id string) {
	r.mu.Lock()
	if _, ok := r.endpoints[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.endpoints, id)
	wasSender := r.senderID == id
	if wasSender {
		r.senderID = ""
	}
	r.mu.Unlock()

	r.cfg.Metrics.Inc(metrics.ConnectionsClosed)
	if wasSender {
		r.cfg.Metrics.Inc(metrics.SenderCleared)
	}
	r.log.Info("disconnect", "connection_id", id, "was_sender", wasSender)
}

// OnSyn records the caller's role and answers with the current sender id.
func (r *Relay) OnSyn(from Peer, syn protocol.Syn) {
	id := from.ID()
	r.cfg.Metrics.Inc(metrics.SynReceived)

	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		r.reply(from, protocol.EventSynAck, protocol.Failure(syn.MsgID, protocol.ReasonNotRegistered))
		return
	}

	if !syn.IsSender {
		// The sender identity only moves on a sender syn or the sender's
		// disconnect, so a sender that re-syns as a receiver keeps it.
		stillSender := r.senderID == id
		ep.record.IsSender = stillSender
		ack := protocol.Ack{Success: true, SenderID: r.senderID, ID: id, MsgID: syn.MsgID}
		r.mu.Unlock()

		if stillSender {
			r.log.Warn("sender re-registered as receiver; keeping sender identity", "connection_id", id)
		}
		r.log.Debug("syn received from a receiver", "connection_id", id, "name", syn.Name, "sender_id", ack.SenderID)
		r.reply(from, protocol.EventSynAck, ack)
		return
	}

	previous := r.senderID
	switch {
	case previous == id:
		r.mu.Unlock()
		r.log.Warn("already the sender", "connection_id", id)
		r.reply(from, protocol.EventSynAck, protocol.Ack{Success: true, SenderID: id, ID: id, MsgID: syn.MsgID})
		return
	case previous != "" && r.cfg.Arbitration == ArbitrationReject:
		r.mu.Unlock()
		r.cfg.Metrics.Inc(metrics.SenderRejected)
		r.log.Warn("sender syn rejected", "connection_id", id, "sender_id", previous)
		ack := protocol.Failure(syn.MsgID, protocol.ReasonSenderElected)
		ack.SenderID = previous
		r.reply(from, protocol.EventSynAck, ack)
		return
	case previous != "":
		if old, ok := r.endpoints[previous]; ok {
			old.record.IsSender = false
		}
	}
	r.senderID = id
	ep.record.IsSender = true
	r.mu.Unlock()

	r.cfg.Metrics.Inc(metrics.SenderElected)
	if previous != "" {
		r.cfg.Metrics.Inc(metrics.SenderSuperseded)
		r.log.Warn("invalidating the current sender", "connection_id", id, "previous_sender_id", previous)
	}
	r.log.Info("sender elected", "connection_id", id, "name", syn.Name)
	r.reply(from, protocol.EventSynAck, protocol.Ack{Success: true, SenderID: id, ID: id, MsgID: syn.MsgID})
}

// OnSig validates a routed message, stamps its origin and forwards it to the
// addressed peer. Only failures are acknowledged here; success is
// acknowledged by the receiving peer.
func (r *Relay) OnSig(from Peer, sig protocol.Sig) {
	id := from.ID()

	r.mu.Lock()
	_, registered := r.endpoints[id]
	var target *endpoint
	if registered && sig.To != "" {
		target = r.endpoints[sig.To]
	}
	r.mu.Unlock()

	var reason string
	switch {
	case !registered:
		reason = protocol.ReasonNotRegistered
	case sig.To == "":
		reason = protocol.ReasonToMissing
	case target == nil:
		reason = protocol.ReasonPeerNotFound
	}
	if reason != "" {
		r.reject(from, sig, reason)
		return
	}

	sig.From = id
	if err := target.peer.Send(protocol.EventSig, sig); err != nil {
		r.log.Warn("failed to forward sig", "connection_id", id, "to", sig.To, "err", err)
		if errors.Is(err, ErrPeerClosed) {
			r.reject(from, sig, protocol.ReasonPeerNotFound)
			return
		}
		r.reject(from, sig, protocol.ReasonPeerUnavailable)
		return
	}
	r.cfg.Metrics.Inc(metrics.SigForwarded)
	r.log.Debug("sig forwarded", "from", id, "to", sig.To, "type", sig.Type, "msg_id", sig.MsgID)
}

// OnSigAck forwards a receiving peer's acknowledgement to the originator
// named in ack.To. Acks that cannot be routed are dropped.
func (r *Relay) OnSigAck(from Peer, ack protocol.Ack) {
	id := from.ID()

	r.mu.Lock()
	_, registered := r.endpoints[id]
	var target *endpoint
	if registered && ack.To != "" {
		target = r.endpoints[ack.To]
	}
	r.mu.Unlock()

	if target == nil {
		r.cfg.Metrics.Inc(metrics.SigAckDropped)
		r.log.Info("dropping unroutable sig-ack", "connection_id", id, "to", ack.To, "registered", registered, "msg_id", ack.MsgID)
		return
	}

	ack.From = id
	if err := target.peer.Send(protocol.EventSigAck, ack); err != nil {
		r.cfg.Metrics.Inc(metrics.SigAckDropped)
		r.log.Warn("failed to forward sig-ack", "connection_id", id, "to", ack.To, "err", err)
		return
	}
	r.cfg.Metrics.Inc(metrics.SigAckForwarded)
}

// SenderID returns the current sender's connection id, or "".
func (r *Relay) SenderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.senderID
}

// Len returns the number of registered connections.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// Lookup returns the record registered for id.
func (r *Relay) Lookup(id string) (EndpointRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return EndpointRecord{}, false
	}
	return ep.record, true
}

func (r *Relay) reject(from Peer, sig protocol.Sig, reason string) {
	r.cfg.Metrics.Inc(metrics.SigRejectedPrefix + strings.ReplaceAll(reason, " ", "_"))
	r.log.Info("sig rejected", "connection_id", from.ID(), "to", sig.To, "reason", reason, "msg_id", sig.MsgID)
	r.reply(from, protocol.EventSigAck, protocol.Failure(sig.MsgID, reason))
}

func (r *Relay) reply(to Peer, event protocol.Event, ack protocol.Ack) {
	if err := to.Send(event, ack); err != nil {
		r.log.Warn("failed to send ack", "connection_id", to.ID(), "event", event, "err", err)
	}
}
