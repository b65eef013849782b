package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMissingEvent = errors.New("protocol: missing event")
	ErrUnknownEvent = errors.New("protocol: unknown event")
	ErrMissingData  = errors.New("protocol: missing data")
)

// Envelope frames a single event on the wire.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode marshals payload and wraps it in an envelope for event.
func Encode(event Event, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope strictly parses a frame. Unknown envelope fields and
// trailing data are rejected.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(frame, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Event {
	case "":
		return Envelope{}, ErrMissingEvent
	case EventSyn, EventSynAck, EventSig, EventSigAck:
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return Envelope{}, ErrMissingData
	}
	return env, nil
}

func DecodeSyn(data []byte) (Syn, error) {
	var s Syn
	if err := decodeStrict(data, &s); err != nil {
		return Syn{}, fmt.Errorf("decode syn: %w", err)
	}
	return s, nil
}

func DecodeSig(data []byte) (Sig, error) {
	var s Sig
	if err := decodeStrict(data, &s); err != nil {
		return Sig{}, fmt.Errorf("decode sig: %w", err)
	}
	return s, nil
}

func DecodeAck(data []byte) (Ack, error) {
	var a Ack
	if err := decodeStrict(data, &a); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return a, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
