// Package backoff holds the deterministic exponential delay policies used for
// request retries, channel reconnects and backend restarts.
package backoff

import (
	"time"

	cb "github.com/cenkalti/backoff/v4"
)

// Policy describes min(Initial * Multiplier^n, Max).
type Policy struct {
	Initial    time.Duration `mapstructure:"initial"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
}

var (
	// RequestRetry spaces the attempts of one logical request: 1s, 2s, 4s ... 30s.
	RequestRetry = Policy{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}
	// Reconnect spaces event channel reconnects: 5s, 10s, 20s, 30s, 30s ...
	Reconnect = Policy{Initial: 5 * time.Second, Multiplier: 2, Max: 30 * time.Second}
	// Restart spaces backend restarts after unexpected exits: 1s, 2s, 4s, 8s, 10s ...
	Restart = Policy{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second}
)

// OrDefault returns p, falling back to def for unset fields.
func (p Policy) OrDefault(def Policy) Policy {
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	return p
}

// Exponential returns a fresh, jitter-free ExponentialBackOff for p with no
// elapsed-time limit. Successive NextBackOff calls yield Delay(0), Delay(1), ...
func (p Policy) Exponential() *cb.ExponentialBackOff {
	b := cb.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the n-th (zero based) delay of the policy.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	b := p.Exponential()
	d := b.NextBackOff()
	for i := 0; i < n && d < p.Max; i++ {
		d = b.NextBackOff()
	}
	return d
}
