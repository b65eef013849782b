package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// wsConn is one WebSocket client registered with the relay.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	queue   *sendQueue
	limiter *ratelimit.MessageLimiter

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Peer = (*wsConn)(nil)

func newWSConn(srv *Server, conn *websocket.Conn, id string) *wsConn {
	return &wsConn{
		srv:     srv,
		conn:    conn,
		id:      id,
		log:     srv.log.With("connection_id", id),
		queue:   newSendQueue(srv.sendQueueMessages()),
		limiter: ratelimit.NewMessageLimiter(srv.cfg.Clock, srv.maxMessagesPerSecond()),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send encodes the event and queues it for the writer goroutine.
func (c *wsConn) Send(event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := c.queue.Enqueue(frame); err != nil {
		if errors.Is(err, errQueueClosed) {
			return fmt.Errorf("%w: %s", relay.ErrPeerClosed, c.id)
		}
		c.srv.cfg.Metrics.Inc(metrics.QueueDropped)
		c.log.Warn("dropping outbound message", "event", event, "err", err)
		return err
	}
	return nil
}

func (c *wsConn) run() {
	defer c.Close()

	go c.writeLoop()
	go c.pingLoop()

	idle := c.srv.idleTimeout()
	c.conn.SetReadLimit(c.srv.maxMessageBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				c.srv.cfg.Metrics.Inc(metrics.BadMessage)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so that the close frame is not lost to a
		// TCP reset caused by unread data.
		if !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.cfg.Metrics.Inc(metrics.BadMessage)
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if err := c.dispatch(data); err != nil {
			c.srv.cfg.Metrics.Inc(metrics.BadMessage)
			c.log.Debug("bad signaling message", "err", err)
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

func (c *wsConn) dispatch(data []byte) error {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	r := c.srv.cfg.Relay
	switch env.Event {
	case protocol.EventSyn:
		syn, err := protocol.DecodeSyn(env.Data)
		if err != nil {
			return err
		}
		r.OnSyn(c, syn)
	case protocol.EventSig:
		sig, err := protocol.DecodeSig(env.Data)
		if err != nil {
			return err
		}
		r.OnSig(c, sig)
	case protocol.EventSigAck:
		ack, err := protocol.DecodeAck(env.Data)
		if err != nil {
			return err
		}
		r.OnSigAck(c, ack)
	default:
		return fmt.Errorf("unexpected client event %q", env.Event)
	}
	return nil
}

func (c *wsConn) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("signaling write failed", "err", err)
			c.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close deregisters the connection from the relay before tearing down the
// socket, so no further messages are routed to it.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.srv.cfg.Relay.OnDisconnect(c.id)
		c.queue.Close()
		_ = c.conn.Close()
		close(c.done)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
