// Package channel provides the client side of the signaling transport: an
// ordered, event-typed message channel to the relay.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
)

// ErrClosed is returned by Emit once the channel has closed.
var ErrClosed = errors.New("channel closed")

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Channel is a bidirectional, ordered, event-typed transport.
//
// Handlers run sequentially on a single goroutine in arrival order. A channel
// never reconnects; once Done is closed it stays closed.
type Channel interface {
	Emit(event protocol.Event, payload any) error
	On(event protocol.Event, h Handler)
	Done() <-chan struct{}
	Close() error
}

const writeWait = 5 * time.Second

// WebSocket is a Channel over a gorilla WebSocket connection.
type WebSocket struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[protocol.Event]Handler

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ Channel = (*WebSocket)(nil)

// Dial connects to the relay at url and starts the read pump. Register
// handlers with On before emitting anything that expects a reply.
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(conn, logger), nil
}

// New wraps an established connection.
func New(conn *websocket.Conn, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocket{
		conn:     conn,
		log:      logger,
		handlers: make(map[protocol.Event]Handler),
		done:     make(chan struct{}),
	}
	go ws.readPump()
	return ws
}

// On sets the handler for event, replacing any previous one.
func (ws *WebSocket) On(event protocol.Event, h Handler) {
	ws.mu.Lock()
	ws.handlers[event] = h
	ws.mu.Unlock()
}

func (ws *WebSocket) Emit(event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-ws.done:
		return ErrClosed
	default:
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		ws.shutdown(err)
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (ws *WebSocket) Done() <-chan struct{} { return ws.done }

// Err returns the error that closed the channel, if any.
func (ws *WebSocket) Err() error {
	<-ws.done
	return ws.err
}

// Close sends a normal closure and tears down the connection. It is safe to
// call more than once.
func (ws *WebSocket) Close() error {
	_ = ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.shutdown(nil)
	return nil
}

func (ws *WebSocket) shutdown(err error) {
	ws.closeOnce.Do(func() {
		ws.err = err
		_ = ws.conn.Close()
		close(ws.done)
	})
}

func (ws *WebSocket) readPump() {
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Warn("signaling channel closed", "err", err)
			}
			ws.shutdown(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			ws.log.Warn("dropping malformed frame", "err", err)
			continue
		}

		ws.mu.Lock()
		h := ws.handlers[env.Event]
		ws.mu.Unlock()
		if h == nil {
			ws.log.Debug("no handler for event", "event", env.Event)
			continue
		}
		h(env.Data)
	}
}
