package sri

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffPolicy describes a jittered exponential backoff curve. Jitter
// spreads synchronized retries so concurrent pipelines do not hammer the
// authority in lockstep.
type BackoffPolicy struct {
	Initial    time.Duration `yaml:"initial"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
	Jitter     float64       `yaml:"jitter"` // fraction of the delay, 0..1
}

// DefaultSubmitBackoff covers transient reception failures.
var DefaultSubmitBackoff = BackoffPolicy{
	Initial:    3 * time.Second,
	Multiplier: 2,
	Max:        5 * time.Minute,
	Jitter:     0.2,
}

// DefaultPollBackoff paces authorization polling.
var DefaultPollBackoff = BackoffPolicy{
	Initial:    2 * time.Second,
	Multiplier: 2,
	Max:        time.Minute,
	Jitter:     0.2,
}

// Delay returns the wait before retry number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
