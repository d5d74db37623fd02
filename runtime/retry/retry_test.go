package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

func TestProfiles(t *testing.T) {
	assert.Equal(t, 1, NoRetry().MaxAttempts)
	assert.Equal(t, 3, Default().MaxAttempts)
	assert.Equal(t, 5, Aggressive().MaxAttempts)
	assert.Equal(t, 2, Conservative().MaxAttempts)
}

func TestRetryableCodes(t *testing.T) {
	p := Default()
	assert.True(t, p.Retryable(spicerr.CodeNetworkError))
	assert.True(t, p.Retryable(spicerr.CodeTimeout))
	assert.True(t, p.Retryable(spicerr.CodeExecution))
	assert.False(t, p.Retryable(spicerr.CodeValidation))
	assert.False(t, p.Retryable(spicerr.CodeRouting))
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := Policy{
		MaxAttempts:    10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
	jittered := policy
	jittered.Jitter = 0.25

	properties.Property("backoff without jitter is monotone non-decreasing", prop.ForAll(
		func(attempt int) bool {
			return policy.Backoff(attempt+1) >= policy.Backoff(attempt)
		},
		gen.IntRange(1, 20),
	))

	properties.Property("backoff never exceeds max plus jitter allowance", prop.ForAll(
		func(attempt int) bool {
			limit := time.Duration(float64(jittered.MaxBackoff) * (1 + jittered.Jitter))
			return jittered.Backoff(attempt) <= limit
		},
		gen.IntRange(1, 50),
	))

	properties.Property("backoff is at least the deterministic base", prop.ForAll(
		func(attempt int) bool {
			return jittered.Backoff(attempt) >= policy.Backoff(attempt)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestBackoffCapsAtMax(t *testing.T) {
	p := Policy{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		Multiplier:     2.0,
	}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 4*time.Second, p.Backoff(7))
}

func TestResolverOrder(t *testing.T) {
	fallback := Default()
	r := NewResolver(fallback)

	codePolicy := NoRetry().WithMaxAttempts(7)
	nodePolicy := NoRetry().WithMaxAttempts(8)
	tenantPolicy := NoRetry().WithMaxAttempts(9)
	r.RegisterCodePolicy(spicerr.CodeNetworkError, codePolicy)
	r.RegisterNodePolicy("flaky-node", nodePolicy)
	r.RegisterTenantPolicy("acme", tenantPolicy)

	netErr := spicerr.New(spicerr.KindNetwork, spicerr.CodeNetworkError, "boom")
	plain := spicerr.New(spicerr.KindExecution, spicerr.CodeUnknown, "boom")
	msg := message.New("x", "t")
	tenantMsg := msg.WithMetadataValue("tenantId", "acme")

	// Code beats node and tenant.
	got := r.Resolve(netErr, "flaky-node", tenantMsg)
	assert.Equal(t, 7, got.MaxAttempts)

	// Node beats tenant.
	got = r.Resolve(plain, "flaky-node", tenantMsg)
	assert.Equal(t, 8, got.MaxAttempts)

	// Tenant beats default.
	got = r.Resolve(plain, "other-node", tenantMsg)
	assert.Equal(t, 9, got.MaxAttempts)

	// Default when nothing matches.
	got = r.Resolve(plain, "other-node", msg)
	assert.Equal(t, fallback.MaxAttempts, got.MaxAttempts)
}

func TestResolverCustomBeatsRegistrations(t *testing.T) {
	r := NewResolver(Default())
	r.RegisterCodePolicy(spicerr.CodeNetworkError, NoRetry())
	custom := NoRetry().WithMaxAttempts(42)
	r.RegisterResolver(func(err error, nodeID string, _ message.Message) (Policy, bool) {
		if nodeID == "special" {
			return custom, true
		}
		return Policy{}, false
	})

	netErr := spicerr.New(spicerr.KindNetwork, spicerr.CodeNetworkError, "boom")
	assert.Equal(t, 42, r.Resolve(netErr, "special", message.New("x", "t")).MaxAttempts)
	assert.Equal(t, 1, r.Resolve(netErr, "plain", message.New("x", "t")).MaxAttempts)
}

func TestResolverHonorsErrorHints(t *testing.T) {
	r := NewResolver(Default())

	skip := spicerr.Retryable(
		spicerr.New(spicerr.KindNetwork, spicerr.CodeNetworkError, "boom"),
		spicerr.RetryHint{SkipRetry: true},
	)
	got := r.Resolve(skip, "n", message.New("x", "t"))
	assert.Equal(t, 1, got.MaxAttempts)

	capped := spicerr.Retryable(
		spicerr.New(spicerr.KindNetwork, spicerr.CodeNetworkError, "boom"),
		spicerr.RetryHint{MaxAttempts: 2},
	)
	got = r.Resolve(capped, "n", message.New("x", "t"))
	require.Equal(t, 2, got.MaxAttempts)
	assert.True(t, got.Retryable(spicerr.CodeNetworkError))
}
