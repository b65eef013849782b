package metrics

import "sync"

// Relay event counters.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	ConnectionsRejected = "connections_rejected"

	SynReceived      = "syn_received"
	SenderElected    = "sender_elected"
	SenderSuperseded = "sender_superseded"
	SenderCleared    = "sender_cleared"
	SenderRejected   = "sender_rejected"

	SigForwarded          = "sig_forwarded"
	SigAckForwarded       = "sig_ack_forwarded"
	SigAckDropped         = "sig_ack_dropped"
	SigRejectedPrefix     = "sig_rejected_"
	QueueDropped          = "send_queue_dropped"
	BadMessage            = "bad_message"
	DropReasonRateLimited = "rate_limited"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters. It is nil for a nil registry.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
