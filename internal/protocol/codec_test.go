package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeSig(t *testing.T) {
	frame, err := Encode(EventSig, Sig{
		Type:  SigDescription,
		To:    "peer-b",
		Body:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		MsgID: 7,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != EventSig {
		t.Fatalf("event=%q, want %q", env.Event, EventSig)
	}

	sig, err := DecodeSig(env.Data)
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	if sig.Type != SigDescription || sig.To != "peer-b" || sig.MsgID != 7 {
		t.Fatalf("sig=%+v", sig)
	}
	if sig.From != "" {
		t.Fatalf("from=%q, want empty", sig.From)
	}
	if string(sig.Body) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("body=%s", sig.Body)
	}
}

func TestDecodeEnvelopeRejectsMalformedFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{name: "missing event", frame: `{"data":{}}`, want: ErrMissingEvent},
		{name: "unknown event", frame: `{"event":"pub","data":{}}`, want: ErrUnknownEvent},
		{name: "missing data", frame: `{"event":"syn"}`, want: ErrMissingData},
		{name: "null data", frame: `{"event":"syn","data":null}`, want: ErrMissingData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.frame))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}

	if _, err := DecodeEnvelope([]byte(`{"event":"syn","data":{},"extra":1}`)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if _, err := DecodeEnvelope([]byte(`{"event":"syn","data":{}} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err=%v, want trailing data error", err)
	}
}

func TestDecodeSynStrict(t *testing.T) {
	syn, err := DecodeSyn([]byte(`{"name":"anonymous","isSender":true,"msgId":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !syn.IsSender || syn.MsgID != 1 || syn.Name != "anonymous" {
		t.Fatalf("syn=%+v", syn)
	}
	if _, err := DecodeSyn([]byte(`{"isSender":true,"msgId":1,"role":"x"}`)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestAckEvent(t *testing.T) {
	if got, ok := EventSyn.AckEvent(); !ok || got != EventSynAck {
		t.Fatalf("syn ack=%q ok=%v", got, ok)
	}
	if got, ok := EventSig.AckEvent(); !ok || got != EventSigAck {
		t.Fatalf("sig ack=%q ok=%v", got, ok)
	}
	if _, ok := EventSigAck.AckEvent(); ok {
		t.Fatalf("sig-ack must not have an ack event")
	}
	if !EventSynAck.IsAck() || EventSig.IsAck() {
		t.Fatalf("IsAck mismatch")
	}
}

func TestAckOmitsEmptySenderID(t *testing.T) {
	b, err := json.Marshal(Failure(4, ReasonPeerNotFound))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"success":false,"reason":"peer not found","msgId":4}`; got != want {
		t.Fatalf("ack=%s, want %s", got, want)
	}
}
