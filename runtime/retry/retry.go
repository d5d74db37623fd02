// Package retry provides the per-node retry policies applied by the graph
// runner, including exponential backoff with jitter and a layered policy
// resolver keyed by error code, node id, and tenant.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// Policy configures retry behavior for one node invocation.
type Policy struct {
	// MaxAttempts is the attempt budget including the initial attempt.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration
	// Multiplier is the geometric growth factor (2.0 doubles each retry).
	Multiplier float64
	// Jitter adds uniform randomness in [0, Jitter*backoff] to spread
	// retries. 0.25 adds up to 25%.
	Jitter float64
	// RetryableCodes lists the error codes this policy retries. An error
	// whose code is not listed fails immediately.
	RetryableCodes []string
}

// NoRetry returns the policy that never retries.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Default returns the standard profile: 3 attempts, 500ms base, doubling up
// to 30s, 25% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
		RetryableCodes: defaultRetryableCodes(),
	}
}

// Aggressive returns a profile with more attempts and a shorter base delay,
// suited to cheap idempotent operations.
func Aggressive() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
		RetryableCodes: defaultRetryableCodes(),
	}
}

// Conservative returns a profile with fewer attempts and a longer base delay,
// suited to expensive operations.
func Conservative() Policy {
	return Policy{
		MaxAttempts:    2,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		RetryableCodes: defaultRetryableCodes(),
	}
}

func defaultRetryableCodes() []string {
	return []string{
		spicerr.CodeNetworkError,
		spicerr.CodeTimeout,
		spicerr.CodeExecution,
	}
}

// Retryable reports whether the policy retries errors with the given code.
func (p Policy) Retryable(code string) bool {
	for _, c := range p.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Backoff computes the delay before retrying attempt k (1-indexed):
// min(MaxBackoff, InitialBackoff * Multiplier^(k-1)) plus uniform jitter in
// [0, Jitter*backoff].
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if max := float64(p.MaxBackoff); max > 0 && backoff > max {
		backoff = max
	}
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(backoff)
}

// WithMaxAttempts returns a copy of the policy with the attempt budget
// overridden. Used when a retryable error embeds a max-attempts hint.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}
