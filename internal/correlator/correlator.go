// Package correlator matches acknowledgements to the requests that caused
// them.
//
// Every request gets a fresh msgId from a per-correlator counter. The pending
// entry is recorded before the request is emitted, so an acknowledgement can
// never arrive for an id that is not yet tracked. There is no per-request
// timeout: a request stays pending until its ack arrives, the caller's
// context is done, or the channel closes.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/protocol"
)

// ErrChannelClosed fails every request still pending when the channel closes.
var ErrChannelClosed = errors.New("channel closed")

// AckError is returned when the acknowledgement reports failure. Sent holds
// the request as it was put on the wire.
type AckError struct {
	Event  protocol.Event
	Reason string
	Sent   json.RawMessage
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
}

// Call is one in-flight request.
type Call struct {
	msgID int64
	event protocol.Event
	sent  json.RawMessage

	done chan struct{}
	ack  protocol.Ack
	err  error
}

func (c *Call) MsgID() int64 { return c.msgID }

// Done is closed once the call has resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call resolves or ctx is done. Abandoning a call does
// not remove it from the pending table.
func (c *Call) Wait(ctx context.Context) (protocol.Ack, error) {
	select {
	case <-c.done:
		return c.ack, c.err
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

type pendingKey struct {
	event protocol.Event
	msgID int64
}

type Correlator struct {
	ch  channel.Channel
	log *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[pendingKey]*Call
	closed  bool
}

// New installs ack handlers on ch. The correlator fails all pending calls
// once ch is done.
func New(ch channel.Channel, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		ch:      ch,
		log:     logger,
		pending: make(map[pendingKey]*Call),
	}
	ch.On(protocol.EventSynAck, func(data json.RawMessage) { c.handleAck(protocol.EventSynAck, data) })
	ch.On(protocol.EventSigAck, func(data json.RawMessage) { c.handleAck(protocol.EventSigAck, data) })
	go func() {
		<-ch.Done()
		c.failAll(ErrChannelClosed)
	}()
	return c
}

// Post assigns the next msgId to req, records it as pending and emits it.
// Posts from one goroutine reach the wire in call order.
func (c *Correlator) Post(event protocol.Event, req protocol.Request) (*Call, error) {
	ackEvent, ok := event.AckEvent()
	if !ok {
		return nil, fmt.Errorf("correlator: %s is not a request event", event)
	}

	id := c.nextID.Add(1)
	req.SetMsgID(id)
	sent, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("correlator: encode %s: %w", event, err)
	}

	call := &Call{msgID: id, event: event, sent: sent, done: make(chan struct{})}
	key := pendingKey{event: ackEvent, msgID: id}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[key] = call
	c.mu.Unlock()

	if err := c.ch.Emit(event, req); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, err
	}
	return call, nil
}

// Send posts req and waits for its acknowledgement.
func (c *Correlator) Send(ctx context.Context, event protocol.Event, req protocol.Request) (protocol.Ack, error) {
	call, err := c.Post(event, req)
	if err != nil {
		return protocol.Ack{}, err
	}
	return call.Wait(ctx)
}

// Pending returns the number of unresolved calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) handleAck(event protocol.Event, data json.RawMessage) {
	ack, err := protocol.DecodeAck(data)
	if err != nil {
		c.log.Warn("dropping malformed ack", "event", event, "err", err)
		return
	}

	key := pendingKey{event: event, msgID: ack.MsgID}
	c.mu.Lock()
	call, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("ack for unknown request", "event", event, "msg_id", ack.MsgID)
		return
	}

	call.ack = ack
	if !ack.Success {
		call.err = &AckError{Event: call.event, Reason: ack.Reason, Sent: call.sent}
	}
	close(call.done)
}

func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.pending))
	for key, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, key)
	}
	c.closed = true
	c.mu.Unlock()

	for _, call := range calls {
		call.err = err
		close(call.done)
	}
	if len(calls) > 0 {
		c.log.Debug("failed pending requests", "count", len(calls), "err", err)
	}
}
