// Package backoff wraps cenkalti/backoff/v4 with the two retry shapes this
// module needs: the HAL reconnect back-off in canbus's receive loop, and the
// health monitor's dispose+rebuild retry in dbpool.
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the typed retry policy: base delay, max delay, and an optional
// attempt ceiling.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means retry forever (bounded only by ctx)
}

// DefaultPolicy is a conservative default for driver reconnects and pool
// rebuilds: short base delay, capped growth, unbounded attempts (callers
// that want a hard ceiling set MaxAttempts explicitly).
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// newExponential builds a backoff/v4 ExponentialBackOff from p.
func (p Policy) newExponential() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()
	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return b
}

// Retry runs op until it succeeds, op returns a non-retryable error wrapped
// with backoff.Permanent, ctx is cancelled, or the policy's MaxAttempts is
// exhausted.
func Retry(ctx context.Context, p Policy, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(p.newExponential(), ctx))
}

// Ticker exposes one tick of the underlying exponential sequence, for
// callers (canbus's receive loop) that need to sleep between attempts
// themselves rather than handing control to backoff.Retry — the receive
// loop must still observe ctx cancellation within one receive(timeout)
// cycle, which backoff.Retry's blocking sleep cannot interleave with.
type Ticker struct {
	b backoff.BackOff
}

// NewTicker builds a Ticker from p, reset to its first interval.
func NewTicker(p Policy) *Ticker {
	return &Ticker{b: p.newExponential()}
}

// Next returns the next delay. Once the underlying policy has exhausted its
// attempts it returns 0; callers treat that as "retry immediately" and rely
// on Reset after a success.
func (t *Ticker) Next() time.Duration {
	d := t.b.NextBackOff()
	if d == backoff.Stop {
		return 0
	}
	return d
}

// Reset returns the ticker to its initial interval, e.g. after a successful
// attempt following a run of failures.
func (t *Ticker) Reset() {
	t.b.Reset()
}
