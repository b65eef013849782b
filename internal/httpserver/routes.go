package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/pion/webrtc/v4"
)

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("GET /ping", s.handlePing)

	ice := s.withOriginPolicy(s.handleICEServers)
	s.mux.HandleFunc("GET /webrtc/ice", ice)
	s.mux.HandleFunc("OPTIONS /webrtc/ice", ice)
}

type readiness struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleReadyz fails while the listener is down and when the ICE server
// configuration could not be parsed.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	switch {
	case !s.ready.Load():
		WriteJSON(w, http.StatusServiceUnavailable, readiness{})
	case s.cfg.ICEConfigError() != nil:
		WriteJSON(w, http.StatusServiceUnavailable, readiness{Error: s.cfg.ICEConfigError().Error()})
	default:
		WriteJSON(w, http.StatusOK, readiness{Ready: true})
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.build)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// handleICEServers lists the ICE servers browsers should use. The list is
// always a JSON array, possibly empty.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	WriteJSON(w, http.StatusOK, struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{servers})
}

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
