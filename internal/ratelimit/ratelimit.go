// Package ratelimit provides token-bucket limiting for connection
// admission and byte throughput. Limits are enforced by the ratelimit
// layer; a nil limiter allows everything.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Mode selects what happens when the bucket is empty.
type Mode string

const (
	// ModeDrop rejects work when no tokens are available.
	ModeDrop Mode = "drop"
	// ModePace waits for tokens, honoring context cancellation.
	ModePace Mode = "pace"
)

// Limiter is a token-bucket limiter over bytes per second and
// connections per second. Safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	maxBPS int
	maxCPS int
	burst  int
	mode   Mode

	bytes float64
	conns float64
	last  time.Time
}

// New creates a limiter. Zero maxBPS or maxCPS disables that dimension;
// zero burst defaults to one second's worth of byte tokens.
func New(maxBPS, maxCPS, burst int, mode Mode) *Limiter {
	if burst <= 0 {
		burst = maxBPS
		if burst <= 0 {
			burst = 1
		}
	}
	if mode == "" {
		mode = ModeDrop
	}
	return &Limiter{
		maxBPS: maxBPS,
		maxCPS: maxCPS,
		burst:  burst,
		mode:   mode,
		bytes:  float64(burst),
		conns:  float64(maxCPS),
		last:   time.Now(),
	}
}

// AllowConn consumes one connection token, reporting false when the
// bucket is empty.
func (l *Limiter) AllowConn() bool {
	if l == nil || l.maxCPS == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.conns < 1 {
		return false
	}
	l.conns--
	return true
}

// AllowBytes consumes n byte tokens, reporting false when the bucket
// cannot cover them.
func (l *Limiter) AllowBytes(n int) bool {
	if l == nil || l.maxBPS == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.bytes < float64(n) {
		return false
	}
	l.bytes -= float64(n)
	return true
}

// WaitBytes blocks until n byte tokens are available or ctx is cancelled.
// In drop mode it degenerates to AllowBytes.
func (l *Limiter) WaitBytes(ctx context.Context, n int) error {
	if l == nil || l.maxBPS == 0 {
		return nil
	}
	if l.mode == ModeDrop {
		if !l.AllowBytes(n) {
			return ErrLimited
		}
		return nil
	}
	for {
		l.mu.Lock()
		l.refill()
		if l.bytes >= float64(n) {
			l.bytes -= float64(n)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Mode returns the configured exhaustion behavior.
func (l *Limiter) Mode() Mode {
	if l == nil {
		return ModeDrop
	}
	return l.mode
}

// ErrLimited is returned when a drop-mode bucket is empty.
var ErrLimited = errLimited{}

type errLimited struct{}

func (errLimited) Error() string { return "rate limit exceeded" }

func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	if l.maxBPS > 0 {
		l.bytes += elapsed * float64(l.maxBPS)
		if l.bytes > float64(l.burst) {
			l.bytes = float64(l.burst)
		}
	}
	if l.maxCPS > 0 {
		l.conns += elapsed * float64(l.maxCPS)
		if max := float64(l.maxCPS); l.conns > max {
			l.conns = max
		}
	}
}
