// Package ratelimiter throttles byte streams with a token bucket.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds throughput in bytes per second.
//
// This wraps golang.org/x/time/rate with one token per byte:
//   - the bucket holds at most burst bytes, the largest transfer that may
//     start without waiting
//   - transfers larger than the bucket are admitted in burst-sized chunks
//
// A nil *Limiter never throttles.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting bytesPerSecond sustained. burst defaults
// to one second worth of bytes. A zero rate returns nil (unlimited).
//
// Example:
//
//	// 10 MiB/s, transfers of up to 20 MiB start immediately
//	limiter := New(10<<20, 20<<20)
func New(bytesPerSecond, burst int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = bytesPerSecond
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))}
}

// WaitN blocks until n bytes may be transferred or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil {
		return ctx.Err()
	}
	burst := l.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// AllowN reports whether n bytes may be transferred now, consuming them if so.
func (l *Limiter) AllowN(n int) bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(time.Now(), n)
}

// SetRate updates the sustained rate. Zero or less lifts the limit.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	if l == nil {
		return
	}
	if bytesPerSecond <= 0 {
		l.limiter.SetLimit(rate.Inf)
		return
	}
	l.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// Burst returns the bucket size in bytes.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}

// Tokens returns the bytes currently available. Monitoring only.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	return l.limiter.Tokens()
}
