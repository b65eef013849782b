package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// PublicSTUNServer is used by peers that opt into a public STUN server and
// configure nothing else.
const PublicSTUNServer = "stun:stun.l.google.com:19302"

// ICESources holds the raw ICE settings accepted by both commands. JSON, when
// set, replaces the STUN/TURN convenience values.
type ICESources struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string

	UsePublicSTUN bool
}

// Resolve validates the sources and returns the ICE servers they describe.
// An empty configuration yields no servers: host candidates only.
func (s ICESources) Resolve() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := splitList(s.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if turn := splitList(s.TURNURLs); len(turn) > 0 {
		username := strings.TrimSpace(s.TURNUsername)
		credential := strings.TrimSpace(s.TURNCredential)
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: username, Credential: credential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 && s.UsePublicSTUN {
		servers = append(servers, webrtc.ICEServer{URLs: []string{PublicSTUNServer}})
	}
	return servers, nil
}

// iceServerJSON mirrors the browser RTCIceServer dictionary, where urls may
// be a single string.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer-style objects.
// Blank URLs are dropped and every server is validated.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var in []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(in))
	for i, s := range in {
		server := webrtc.ICEServer{
			URLs:     splitList(strings.Join(s.URLs, ",")),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type iceScheme int

const (
	iceSchemeUnknown iceScheme = iota
	iceSchemeSTUN
	iceSchemeTURN
)

func iceURLScheme(url string) iceScheme {
	scheme, _, ok := strings.Cut(url, ":")
	if !ok {
		return iceSchemeUnknown
	}
	switch strings.ToLower(scheme) {
	case "stun", "stuns":
		return iceSchemeSTUN
	case "turn", "turns":
		return iceSchemeTURN
	default:
		return iceSchemeUnknown
	}
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCredentials := false
	for _, url := range server.URLs {
		switch iceURLScheme(url) {
		case iceSchemeSTUN:
		case iceSchemeTURN:
			needsCredentials = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !needsCredentials {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
