package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectBackoff doubles the delay on every cycle and clamps it between
// the initial delay and the configured maximum, so jitter only ever adds.
// Reset returns it to the initial delay.
type reconnectBackoff struct {
	exp *backoff.ExponentialBackOff
	min time.Duration
	max time.Duration
}

func newBackoff(cfg Config) *reconnectBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = cfg.Jitter
	exp.Reset()
	return &reconnectBackoff{exp: exp, min: cfg.InitialBackoff, max: cfg.MaxBackoff}
}

func (b *reconnectBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	switch {
	case d < 0 || d > b.max:
		d = b.max
	case d < b.min:
		d = b.min
	}
	return d
}

func (b *reconnectBackoff) Reset() {
	b.exp.Reset()
}
