// Package backoff implements the reconnect delay policy shared by all
// platform connections: exponential growth with jitter, capped, and reset
// after a stable connected period.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// DefaultBase is the first reconnect delay.
	DefaultBase = 1 * time.Second
	// DefaultCap bounds the delay growth.
	DefaultCap = 30 * time.Second
	// DefaultFactor multiplies the delay after each attempt.
	DefaultFactor = 2.0
	// DefaultJitter is the +-fraction applied to each returned delay.
	DefaultJitter = 0.1
	// DefaultStability is how long a connection must stay up before the
	// delay resets to base.
	DefaultStability = 30 * time.Second
)

// Backoff tracks the current reconnect delay for one connection. It is not
// safe for concurrent use; each connection owns exactly one instance.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	Factor    float64
	Jitter    float64
	Stability time.Duration

	current time.Duration
}

// New returns a Backoff with the default policy.
func New() *Backoff {
	return &Backoff{
		Base:      DefaultBase,
		Cap:       DefaultCap,
		Factor:    DefaultFactor,
		Jitter:    DefaultJitter,
		Stability: DefaultStability,
	}
}

// Next returns the delay to sleep before the next attempt and advances the
// internal delay. The returned value carries jitter; the internal delay does
// not, so growth stays monotonic up to Cap.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Base
	}
	d := b.current

	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Cap {
		next = b.Cap
	}
	b.current = next

	if b.Jitter > 0 {
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		j := time.Duration((rand.Float64()*2 - 1) * b.Jitter * float64(d))
		d += j
	}
	return d
}

// Current returns the delay the next call to Next will base itself on.
func (b *Backoff) Current() time.Duration {
	if b.current == 0 {
		return b.Base
	}
	return b.current
}

// Reset returns the delay to base. Connections call this once a session has
// stayed Connected for at least Stability.
func (b *Backoff) Reset() { b.current = 0 }

// ObserveUptime resets the delay if the connected period was stable. Returns
// true when a reset happened.
func (b *Backoff) ObserveUptime(connectedFor time.Duration) bool {
	if connectedFor >= b.Stability {
		b.Reset()
		return true
	}
	return false
}
