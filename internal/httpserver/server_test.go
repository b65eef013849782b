package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func devConfig() config.Config {
	return config.Config{ListenAddr: "127.0.0.1:0", Mode: config.ModeDev}
}

// do runs req through the full middleware chain without a listener.
func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	cfg := devConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	srv := New(cfg, quietLogger(), BuildInfo{Commit: "abc", BuildTime: "time"})

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, `{"ok":true}`},
		{"/ping", http.StatusOK, `{"message":"pong"}`},
		{"/version", http.StatusOK, `{"commit":"abc","buildTime":"time"}`},
		// Not serving yet.
		{"/readyz", http.StatusServiceUnavailable, `{"ready":false}`},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.path, "/"), func(t *testing.T) {
			rec := do(t, srv, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Fatalf("status=%d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" {
				if got := strings.TrimSpace(rec.Body.String()); got != tt.body {
					t.Fatalf("body=%s, want %s", got, tt.body)
				}
			}
			if rec.Header().Get(requestIDHeader) == "" {
				t.Fatalf("missing %s", requestIDHeader)
			}
		})
	}

	t.Run("ice", func(t *testing.T) {
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		var payload struct {
			ICEServers []map[string]any `json:"iceServers"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(payload.ICEServers) != 2 {
			t.Fatalf("iceServers=%d, want 2", len(payload.ICEServers))
		}
		if _, ok := payload.ICEServers[0]["urls"]; !ok {
			t.Fatalf("first server has no urls: %#v", payload.ICEServers[0])
		}
	})
}

func TestRequestIDIsPreserved(t *testing.T) {
	srv := New(devConfig(), quietLogger(), BuildInfo{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")

	rec := do(t, srv, req)
	if got := rec.Header().Get(requestIDHeader); got != "req-123" {
		t.Fatalf("%s=%q, want req-123", requestIDHeader, got)
	}
}

func TestPanicBecomes500(t *testing.T) {
	srv := New(devConfig(), quietLogger(), BuildInfo{})
	srv.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}

func TestICEServers_EmptyListIsArray(t *testing.T) {
	srv := New(devConfig(), quietLogger(), BuildInfo{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != `{"iceServers":[]}` {
		t.Fatalf("body=%s", got)
	}
}

func TestICEServers_OriginPolicy(t *testing.T) {
	cfg := devConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	srv := New(cfg, quietLogger(), BuildInfo{})

	t.Run("cross origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		if rec := do(t, srv, req); rec.Code != http.StatusForbidden {
			t.Fatalf("status=%d, want 403", rec.Code)
		}
	})

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := do(t, srv, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("Access-Control-Allow-Origin=%q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/webrtc/ice", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := do(t, srv, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status=%d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET,OPTIONS" {
			t.Fatalf("Access-Control-Allow-Methods=%q", got)
		}
	})
}

func TestInvalidICEConfigFailsReadiness(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}
	srv := New(cfg, quietLogger(), BuildInfo{})
	srv.ready.Store(true)

	for _, path := range []string{"/readyz", "/webrtc/ice"} {
		if rec := do(t, srv, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status=%d, want 503", path, rec.Code)
		}
	}
}

func TestServeLifecycle(t *testing.T) {
	srv := New(devConfig(), quietLogger(), BuildInfo{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	baseURL := "http://" + ln.Addr().String()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != ErrServerClosed {
		t.Fatalf("Serve returned %v, want ErrServerClosed", err)
	}
	if srv.ready.Load() {
		t.Fatalf("still ready after shutdown")
	}
}

func TestSignalUpgradeThroughMiddleware(t *testing.T) {
	log := quietLogger()
	srv := New(devConfig(), log, BuildInfo{})

	sig := signaling.NewServer(signaling.Config{
		Relay:  relay.New(relay.Config{Logger: log}),
		Logger: log,
	})
	sig.RegisterRoutes(srv.Mux())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		sig.Close()
		ts.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("upgrade response missing %s", requestIDHeader)
	}

	frame, err := protocol.Encode(protocol.EventSyn, protocol.Syn{IsSender: true, MsgID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Event protocol.Event `json:"event"`
		Data  protocol.Ack   `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != protocol.EventSynAck || !env.Data.Success || env.Data.MsgID != 1 {
		t.Fatalf("unexpected reply: %s", data)
	}
	if env.Data.SenderID == "" || env.Data.SenderID != env.Data.ID {
		t.Fatalf("caller was not elected sender: %s", data)
	}
}
