// Package backoff implements the exponential retry delay shared by the
// Electrum reconnect loop and the sync engine.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultBase        = 500 * time.Millisecond
	DefaultMax         = 60 * time.Second
	DefaultMaxAttempts = 6
)

// Policy describes an exponential backoff schedule. The delay for attempt n
// (zero based) is Base * 2^n capped at Max, plus a random jitter in
// [0, Base/2). Below the cap every delay is strictly larger than the last,
// since doubling adds at least Base while jitter varies by less than Base/2.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// Jitter returns a value in [0, n). Nil uses math/rand.
	Jitter func(n int64) int64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}

	// Limit the power to 32 to avoid overflows.
	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	delay := base * factor
	if delay < 0 || (p.Max > 0 && delay > p.Max) {
		delay = p.Max
	}

	half := int64(base / 2)
	if half > 0 {
		jitter := p.Jitter
		if jitter == nil {
			jitter = rand.Int64N
		}
		delay += time.Duration(jitter(half))
	}
	return delay
}

// Exhausted reports whether attempt has used up the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
