package relay

import "errors"

var (
	ErrTooManyConnections  = errors.New("too many connections")
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrPeerClosed is returned by Peer.Send once the peer's connection is
	// shutting down.
	ErrPeerClosed = errors.New("peer closed")
)
