package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAllowsUpToBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3})
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		d := l.Check("demo", "echo")
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d := l.Check("demo", "echo")
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterMs, int64(0))
	require.True(t, DefaultRetriableHint)
}

func TestCheckRefillsOverTime(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	current := time.Now()
	l.now = func() time.Time { return current }

	require.True(t, l.Check("demo", "echo").Allowed)
	require.False(t, l.Check("demo", "echo").Allowed)

	current = current.Add(1 * time.Minute)
	require.True(t, l.Check("demo", "echo").Allowed)
}

func TestGroupOverrideAppliesToNewBuckets(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	l.SetGroupOverride("email", Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		require.True(t, l.Check("email", "send").Allowed)
	}
	require.False(t, l.Check("email", "send").Allowed)
}

func TestBucketsAreIndependentPerGroupAndTool(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	require.True(t, l.Check("slack", "email_send").Allowed)
	require.True(t, l.Check("email", "email_send").Allowed)
	require.True(t, l.Check("slack", "other_tool").Allowed)
}

// DefaultRetriableHint documents that RATE_LIMITED is retriable by
// default (spec §6); asserted here for readability, enforced in package
// protocol.
const DefaultRetriableHint = true
