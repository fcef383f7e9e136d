// ABOUTME: Unit tests for per-agent token bucket admission
// ABOUTME: Covers burst exhaustion, retry-after hints, refill, overrides, and lifecycle

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-hq/rookery/internal/fault"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(Limit{Capacity: 10, RefillRate: 10}, nil)
	l.Register("agent-1", Limit{}, nil)

	for i := range 10 {
		require.NoError(t, l.Check("agent-1", "tools/call"), "request %d should be admitted", i)
	}

	err := l.Check("agent-1", "tools/call")
	require.Error(t, err, "11th immediate request should be denied")
	assert.Equal(t, fault.RateLimit, fault.ClassOf(err))

	hint, ok := fault.RetryAfterHint(err)
	require.True(t, ok, "denial should carry a retry-after hint")
	assert.InDelta(t, float64(100*time.Millisecond), float64(hint), float64(30*time.Millisecond),
		"at 10 tokens/sec the next token is ~100ms away")
}

func TestRefillReadmits(t *testing.T) {
	l := New(Limit{Capacity: 2, RefillRate: 50}, nil)
	l.Register("agent-1", Limit{}, nil)

	require.NoError(t, l.Check("agent-1", "ping"))
	require.NoError(t, l.Check("agent-1", "ping"))
	require.Error(t, l.Check("agent-1", "ping"))

	// 50 tokens/sec: one token accrues every 20ms.
	time.Sleep(40 * time.Millisecond)
	assert.NoError(t, l.Check("agent-1", "ping"), "bucket should refill from elapsed time alone")
}

func TestPerMethodOverride(t *testing.T) {
	l := New(Limit{Capacity: 100, RefillRate: 100}, nil)
	l.Register("agent-1", Limit{}, map[string]Limit{
		"tools/call": {Capacity: 1, RefillRate: 0.5},
	})

	require.NoError(t, l.Check("agent-1", "tools/call"))
	err := l.Check("agent-1", "tools/call")
	require.Error(t, err, "method bucket should be exhausted after its single token")

	// Other methods draw from the roomy agent-wide bucket.
	for range 20 {
		assert.NoError(t, l.Check("agent-1", "resources/read"))
	}
}

func TestAgentsAreIsolated(t *testing.T) {
	l := New(Limit{Capacity: 1, RefillRate: 0.1}, nil)
	l.Register("agent-1", Limit{}, nil)
	l.Register("agent-2", Limit{}, nil)

	require.NoError(t, l.Check("agent-1", "ping"))
	require.Error(t, l.Check("agent-1", "ping"))
	assert.NoError(t, l.Check("agent-2", "ping"), "draining agent-1 must not touch agent-2")
}

func TestUnregisteredAgentDenied(t *testing.T) {
	l := New(Limit{}, nil)

	err := l.Check("ghost", "ping")
	require.Error(t, err)
	assert.Equal(t, fault.AgentUnavailable, fault.ClassOf(err))
}

func TestUnregisterDropsBucket(t *testing.T) {
	l := New(Limit{Capacity: 5, RefillRate: 5}, nil)
	l.Register("agent-1", Limit{}, nil)
	require.NoError(t, l.Check("agent-1", "ping"))

	l.Unregister("agent-1")
	err := l.Check("agent-1", "ping")
	require.Error(t, err)
	assert.Equal(t, fault.AgentUnavailable, fault.ClassOf(err))
}

func TestRetryAfterDoesNotConsume(t *testing.T) {
	l := New(Limit{Capacity: 1, RefillRate: 1}, nil)
	l.Register("agent-1", Limit{}, nil)

	for range 5 {
		_, ok := l.RetryAfter("agent-1", "ping")
		require.True(t, ok)
	}
	assert.NoError(t, l.Check("agent-1", "ping"), "RetryAfter probes must not drain the bucket")
}

func TestDenialHintIsNeverZero(t *testing.T) {
	l := New(Limit{Capacity: 1, RefillRate: 2}, nil)
	l.Register("agent-1", Limit{}, nil)

	require.NoError(t, l.Check("agent-1", "ping"))
	err := l.Check("agent-1", "ping")
	require.Error(t, err)

	hint, ok := fault.RetryAfterHint(err)
	require.True(t, ok)
	assert.Greater(t, hint, time.Duration(0), "a denial must always name a positive wait")
}
