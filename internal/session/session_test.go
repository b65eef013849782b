package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/correlator"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) (*signaling.Server, string) {
	t.Helper()
	r := relay.New(relay.Config{Logger: newTestLogger()})
	srv := signaling.NewServer(signaling.Config{Relay: r, Logger: newTestLogger()})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func newSession(t *testing.T, url string, isSender bool) *Session {
	t.Helper()
	s := New(Config{
		Dial: func(ctx context.Context) (channel.Channel, error) {
			return channel.Dial(ctx, url, nil, newTestLogger())
		},
		IsSender: isSender,
		Logger:   newTestLogger(),
	})
	t.Cleanup(s.Disconnect)
	return s
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	descs []string
	froms []string
	cands []string
	got   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleDescription(body json.RawMessage, from string) error {
	h.mu.Lock()
	h.descs = append(h.descs, string(body))
	h.froms = append(h.froms, from)
	h.mu.Unlock()
	h.got <- struct{}{}
	return nil
}

func (h *recordingHandler) HandleCandidate(body json.RawMessage) error {
	h.mu.Lock()
	h.cands = append(h.cands, string(body))
	h.mu.Unlock()
	h.got <- struct{}{}
	return nil
}

func TestConnect_GoesOnline(t *testing.T) {
	_, url := startRelay(t)
	s := newSession(t, url, false)

	var mu sync.Mutex
	var changes []StateChange
	s.OnStateChange(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	connect(t, s)

	if s.State() != StateOnline {
		t.Fatalf("state=%q, want online", s.State())
	}
	if s.ID() == "" {
		t.Fatalf("expected an assigned connection id")
	}
	if s.SenderID() != "" {
		t.Fatalf("senderId=%q with no sender online", s.SenderID())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []StateChange{
		{From: StateOffline, To: StateConnecting},
		{From: StateConnecting, To: StateOnline},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes=%v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes=%v, want %v", changes, want)
		}
	}
}

func TestConnect_FailsWhenAlreadyConnected(t *testing.T) {
	_, url := startRelay(t)
	s := newSession(t, url, false)
	connect(t, s)

	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err=%v, want %v", err, ErrAlreadyConnected)
	}
}

func TestConnect_DialFailureStaysOffline(t *testing.T) {
	dialErr := errors.New("boom")
	s := New(Config{
		Dial:   func(context.Context) (channel.Channel, error) { return nil, dialErr },
		Logger: newTestLogger(),
	})
	if err := s.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("err=%v, want %v", err, dialErr)
	}
	if s.State() != StateOffline {
		t.Fatalf("state=%q, want offline", s.State())
	}
}

func TestSignal_UnboundPeerReportsEndpointNotInitialized(t *testing.T) {
	_, url := startRelay(t)
	sender := newSession(t, url, true)
	connect(t, sender)
	receiver := newSession(t, url, false)
	connect(t, receiver)

	if receiver.SenderID() != sender.ID() {
		t.Fatalf("receiver senderId=%q, want %q", receiver.SenderID(), sender.ID())
	}

	call, err := receiver.Signal(protocol.SigDescription, receiver.SenderID(), map[string]string{"type": "offer", "sdp": "v=0"})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = call.Wait(ctx)
	var ackErr *correlator.AckError
	if !errors.As(err, &ackErr) || ackErr.Reason != protocol.ReasonEndpointNotInitialized {
		t.Fatalf("err=%v, want %q", err, protocol.ReasonEndpointNotInitialized)
	}
}

func TestSignal_DeliversToBoundHandler(t *testing.T) {
	_, url := startRelay(t)
	sender := newSession(t, url, true)
	h := newRecordingHandler()
	sender.Bind(h)
	connect(t, sender)
	receiver := newSession(t, url, false)
	connect(t, receiver)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := receiver.Signal(protocol.SigDescription, receiver.SenderID(), map[string]string{"type": "offer", "sdp": "v=0"})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	ack, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ack.From != sender.ID() {
		t.Fatalf("ack from=%q, want %q", ack.From, sender.ID())
	}

	call, err = receiver.Signal(protocol.SigCandidate, receiver.SenderID(), []map[string]string{{"candidate": "candidate:1"}})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if _, err := call.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-h.got:
		case <-ctx.Done():
			t.Fatalf("timeout waiting for handler")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.descs) != 1 || h.descs[0] != `{"sdp":"v=0","type":"offer"}` || h.froms[0] != receiver.ID() {
		t.Fatalf("descs=%v froms=%v", h.descs, h.froms)
	}
	if len(h.cands) != 1 || h.cands[0] != `[{"candidate":"candidate:1"}]` {
		t.Fatalf("cands=%v", h.cands)
	}
}

func TestSignal_UnknownPeer(t *testing.T) {
	_, url := startRelay(t)
	s := newSession(t, url, false)
	connect(t, s)

	call, err := s.Signal(protocol.SigCandidate, "missing", nil)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	_, err = call.Wait(context.Background())
	var ackErr *correlator.AckError
	if !errors.As(err, &ackErr) || ackErr.Reason != protocol.ReasonPeerNotFound {
		t.Fatalf("err=%v, want %q", err, protocol.ReasonPeerNotFound)
	}
}

func TestResync_FindsSenderThatRegisteredLater(t *testing.T) {
	_, url := startRelay(t)
	recv := newSession(t, url, false)
	connect(t, recv)
	if recv.SenderID() != "" {
		t.Fatalf("senderId=%q before any sender", recv.SenderID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if id, err := recv.Resync(ctx); err != nil || id != "" {
		t.Fatalf("resync=%q err=%v, want no sender", id, err)
	}

	sender := newSession(t, url, true)
	connect(t, sender)

	id, err := recv.Resync(ctx)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if id != sender.ID() || recv.SenderID() != sender.ID() {
		t.Fatalf("resync=%q SenderID=%q, want %q", id, recv.SenderID(), sender.ID())
	}

	recv.Disconnect()
	if _, err := recv.Resync(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("err=%v, want %v", err, ErrOffline)
	}
}

func TestDisconnect_GoesOffline(t *testing.T) {
	_, url := startRelay(t)
	s := newSession(t, url, false)
	connect(t, s)

	s.Disconnect()
	if s.State() != StateOffline {
		t.Fatalf("state=%q, want offline", s.State())
	}
	if _, err := s.Signal(protocol.SigCandidate, "x", nil); !errors.Is(err, ErrOffline) {
		t.Fatalf("err=%v, want %v", err, ErrOffline)
	}

	// A fresh connect is allowed after going offline.
	connect(t, s)
}

func TestRemoteClose_FailsPendingAndGoesOffline(t *testing.T) {
	srv, url := startRelay(t)
	sender := newSession(t, url, true)
	connect(t, sender)

	// The peer never answers: bind a handler that blocks until the test ends.
	release := make(chan struct{})
	defer close(release)
	receiver := newSession(t, url, false)
	connect(t, receiver)
	sender.Bind(blockingHandler{release: release})

	call, err := receiver.Signal(protocol.SigCandidate, sender.ID(), nil)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	// The success ack is sent before the handler runs, so drain it and post
	// a request that can never be acknowledged.
	if _, err := call.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	stuck, err := receiver.Signal(protocol.SigCandidate, sender.ID(), nil)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := stuck.Wait(ctx); !errors.Is(err, correlator.ErrChannelClosed) {
		t.Fatalf("err=%v, want %v", err, correlator.ErrChannelClosed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for receiver.State() != StateOffline {
		if time.Now().After(deadline) {
			t.Fatalf("state=%q, want offline", receiver.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type blockingHandler struct {
	release chan struct{}
}

func (h blockingHandler) HandleDescription(json.RawMessage, string) error {
	<-h.release
	return nil
}

func (h blockingHandler) HandleCandidate(json.RawMessage) error {
	<-h.release
	return nil
}
