// Package protocol defines the events exchanged between signaling clients and
// the relay.
//
// Every frame on the wire is a JSON envelope:
//
//	{"event":"sig","data":{"type":"description","to":"...","body":{...},"msgId":3}}
//
// Requests (syn, sig) carry a client-assigned msgId. The matching
// acknowledgement (syn-ack, sig-ack) echoes it back.
package protocol

import "encoding/json"

type Event string

const (
	EventSyn    Event = "syn"
	EventSynAck Event = "syn-ack"
	EventSig    Event = "sig"
	EventSigAck Event = "sig-ack"
)

// AckEvent returns the acknowledgement event that answers e.
func (e Event) AckEvent() (Event, bool) {
	switch e {
	case EventSyn:
		return EventSynAck, true
	case EventSig:
		return EventSigAck, true
	default:
		return "", false
	}
}

// IsAck reports whether e is an acknowledgement event.
func (e Event) IsAck() bool {
	return e == EventSynAck || e == EventSigAck
}

type SigType string

const (
	SigDescription SigType = "description"
	SigCandidate   SigType = "candidate"
)

// Failure reasons carried by unsuccessful acknowledgements.
const (
	ReasonNotRegistered          = "not registered"
	ReasonToMissing              = "to field missing"
	ReasonPeerNotFound           = "peer not found"
	ReasonPeerUnavailable        = "peer unavailable"
	ReasonSenderElected          = "sender already elected"
	ReasonEndpointNotInitialized = "endpoint not initialized"
)

// Request is a client-originated message that expects an acknowledgement.
type Request interface {
	SetMsgID(id int64)
}

// Syn registers the caller's role with the relay.
type Syn struct {
	Name     string `json:"name,omitempty"`
	IsSender bool   `json:"isSender"`
	MsgID    int64  `json:"msgId"`
}

func (s *Syn) SetMsgID(id int64) { s.MsgID = id }

// Sig is a routed negotiation message. From is stamped by the relay; any
// client-supplied value is overwritten.
type Sig struct {
	Type  SigType         `json:"type"`
	To    string          `json:"to,omitempty"`
	From  string          `json:"from,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	MsgID int64           `json:"msgId"`
}

func (s *Sig) SetMsgID(id int64) { s.MsgID = id }

// Ack is the payload of both syn-ack and sig-ack.
//
// For syn-ack, SenderID is the current sender's connection id (empty when no
// sender is online) and ID is the caller's own connection id. For sig-ack
// sent by a receiving peer, To names the originator and From is stamped by the
// relay.
type Ack struct {
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	ID       string `json:"id,omitempty"`
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	MsgID    int64  `json:"msgId"`
}

// Failure builds an unsuccessful acknowledgement for msgID.
func Failure(msgID int64, reason string) Ack {
	return Ack{Success: false, Reason: reason, MsgID: msgID}
}
