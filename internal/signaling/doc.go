// Package signaling exposes the relay over WebSocket.
//
// Each accepted connection becomes a relay peer identified by a random
// connection id. Inbound frames are decoded and dispatched to the relay on
// the connection's read goroutine; outbound frames go through a bounded queue
// drained by a dedicated writer goroutine so that forwarding between peers
// never blocks.
//
// Endpoint:
//
//	GET /signal : WebSocket upgrade
package signaling
