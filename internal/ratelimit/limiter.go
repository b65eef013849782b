// Package ratelimit bounds how fast a single signaling connection may send
// messages to the relay.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MessageLimiter is a token bucket refilled at perSecond tokens/sec with a
// burst of the same size. It is safe for concurrent use.
type MessageLimiter struct {
	clock   Clock
	limiter *rate.Limiter
}

// NewMessageLimiter returns a limiter allowing perSecond messages per second.
// perSecond <= 0 disables limiting.
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}
	return &MessageLimiter{
		clock:   clock,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (l *MessageLimiter) Allow(n int) bool {
	if n <= 0 {
		return true
	}
	return l.limiter.AllowN(l.clock.Now(), n)
}
