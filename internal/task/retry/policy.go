// Package retry decides whether a failed execution attempt is retried and after how long.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase        = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the non-retrying decision.
var GiveUp = Decision{}

// Policy is a stateless strategy: everything it needs is in its arguments.
// attempt is the 1-based attempt that just failed.
type Policy interface {
	Decide(attempt int, err error) Decision
}

// isFatal reports errors no policy may retry: permanent failures and cancellation.
func isFatal(err error) bool {
	return err == nil || IsNoRetry(err) || errors.Is(err, context.Canceled)
}

// Exponential retries with delay Base*2^(attempt-1), capped at MaxDelay,
// until attempt reaches MaxAttempts. Jitter in [0,1] spreads delays by +/- that fraction.
type Exponential struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64

	mu  sync.Mutex
	rng *rand.Rand
}

// Default returns the process-wide default: base 2s, 3 attempts, no jitter.
func Default() *Exponential {
	return &Exponential{Base: DefaultBase, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p *Exponential) withDefaults() (base, maxD time.Duration, attempts int) {
	base, maxD, attempts = p.Base, p.MaxDelay, p.MaxAttempts
	if base <= 0 {
		base = DefaultBase
	}
	if maxD <= 0 {
		maxD = DefaultMaxDelay
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return base, max(maxD, base), attempts
}

func (p *Exponential) Decide(attempt int, err error) Decision {
	base, maxD, attempts := p.withDefaults()
	if isFatal(err) || attempt >= attempts {
		return GiveUp
	}
	attempt = max(attempt, 1)

	var ra AfterError
	if errors.As(err, &ra) {
		return Decision{Retry: true, Delay: min(p.jitter(ra.RetryAfter()), maxD)}
	}

	return Decision{Retry: true, Delay: min(p.jitter(backoff(base, maxD, attempt)), maxD)}
}

// Delay is the un-jittered delay scheduled after attempt fails.
func (p *Exponential) Delay(attempt int) time.Duration {
	base, maxD, _ := p.withDefaults()
	return backoff(base, maxD, max(attempt, 1))
}

func backoff(base, maxD time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	return min(d, maxD)
}

func (p *Exponential) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	p.mu.Lock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r := (p.rng.Float64()*2 - 1) * min(p.Jitter, 1)
	p.mu.Unlock()
	return max(time.Duration(float64(d)*(1+r)), 0)
}

// Never is a policy that never retries.
type Never struct{}

func (Never) Decide(int, error) Decision { return GiveUp }
