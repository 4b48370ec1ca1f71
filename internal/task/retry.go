package task

import (
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy controls how failed attempts are retried. Backoff grows
// exponentially from BaseDelay up to MaxBackoff with full jitter, so a
// herd of failing tasks does not retry in lockstep.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the backoff for the first retry and the fixed cool-down
	// after a soft timeout.
	BaseDelay time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy creates a policy with the given bounds.
func NewRetryPolicy(maxRetries int, baseDelay, maxBackoff time.Duration) *RetryPolicy {
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if maxBackoff < baseDelay {
		maxBackoff = baseDelay
	}
	return &RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxBackoff: maxBackoff,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff returns the delay before the given retry. attempt is zero-based:
// Backoff(0) precedes the first retry. The result is uniformly drawn from
// (0, min(BaseDelay*2^attempt, MaxBackoff)].
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	ceiling := p.BaseDelay
	for i := 0; i < attempt && ceiling < p.MaxBackoff; i++ {
		ceiling *= 2
	}
	if ceiling > p.MaxBackoff {
		ceiling = p.MaxBackoff
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(ceiling))) + 1
}

// Cooldown is the fixed wait after a soft timeout. Timeouts tend to come
// from load rather than the task itself, so exponential growth buys nothing.
func (p *RetryPolicy) Cooldown() time.Duration {
	return p.BaseDelay
}
