package signaling

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errQueueFull   = errors.New("send queue full")
	errQueueClosed = errors.New("send queue closed")
)

// sendQueue buffers encoded frames between the relay, which must never block
// on a slow client, and the connection's single writer goroutine.
type sendQueue struct {
	frames chan []byte

	done      chan struct{}
	closeOnce sync.Once

	drops atomic.Uint64
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue never blocks. A full queue counts a drop.
func (q *sendQueue) Enqueue(frame []byte) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case q.frames <- frame:
		return nil
	default:
		q.drops.Add(1)
		return errQueueFull
	}
}

// Dequeue waits for the next frame. ok is false once the queue is closed,
// even if frames remain.
func (q *sendQueue) Dequeue() (frame []byte, ok bool) {
	select {
	case <-q.done:
		return nil, false
	case frame = <-q.frames:
	}
	select {
	case <-q.done:
		return nil, false
	default:
		return frame, true
	}
}

func (q *sendQueue) Len() int { return len(q.frames) }

func (q *sendQueue) DropCount() uint64 { return q.drops.Load() }

// Close wakes every waiting Dequeue and discards what is buffered.
func (q *sendQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		for {
			select {
			case <-q.frames:
			default:
				return
			}
		}
	})
}
