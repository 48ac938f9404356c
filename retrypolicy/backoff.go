// Package retrypolicy provides a transport.RetryPolicy implementation
// built around a limited exponential backoff, adapted from the teacher's
// general-purpose helpers.Backoff.
package retrypolicy

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
	"github.com/temoto/dtransport/transport"
)

// ExponentialBackoff grows the delay between attempts by a factor of K
// each time Decide reports a failure, clamped to [Min, Max]. It retries
// forever until MaxAttempts is reached (0 means unlimited).
//
// The zero value is not usable; construct with NewExponentialBackoff.
type ExponentialBackoff struct {
	Min         time.Duration
	Max         time.Duration
	K           float32
	MaxAttempts uint32

	// Retryable decides, given the error, whether this error kind should
	// ever be retried at all; it runs before the attempt-count check.
	// Defaults to consulting transport.TransportError.Retryable.
	Retryable func(error) bool

	next int64 // atomic, nanoseconds
	last atomic_clock.Clock
}

func NewExponentialBackoff(min, max time.Duration, k float32, maxAttempts uint32) *ExponentialBackoff {
	return &ExponentialBackoff{Min: min, Max: max, K: k, MaxAttempts: maxAttempts}
}

func (b *ExponentialBackoff) Decide(attempt uint32, err error) transport.RetryDecision {
	if !b.isRetryable(err) {
		return transport.RetryDecision{ShouldRetry: false}
	}
	if b.MaxAttempts != 0 && attempt > b.MaxAttempts {
		return transport.RetryDecision{ShouldRetry: false}
	}

	delay := b.nextDelay()
	return transport.RetryDecision{ShouldRetry: true, DelayMs: uint64(delay / time.Millisecond)}
}

func (b *ExponentialBackoff) isRetryable(err error) bool {
	if b.Retryable != nil {
		return b.Retryable(err)
	}
	if te, ok := transport.AsTransportError(err); ok {
		return te.Retryable
	}
	return false
}

// nextDelay grows the stored delay by K and returns the newly limited
// value; it does not wait, leaving sleeping to the caller's scheduler.
func (b *ExponentialBackoff) nextDelay() time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	next := time.Duration(atomic.LoadInt64(&b.next))
	delay := b.limit(next)
	grown := time.Duration(float32(next) * b.K)
	atomic.StoreInt64(&b.next, int64(b.limit(grown)))
	b.last.SetNow()
	return delay
}

func (b *ExponentialBackoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
