package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/ratelimit"
)

func TestAdmitUpToMaxJobs(t *testing.T) {
	l := ratelimit.New(5, time.Minute)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit("u1"), "request %d should be admitted", i)
	}
	require.False(t, l.Admit("u1"), "sixth request in the window must be rejected")
}

func TestAdmitIsPerUser(t *testing.T) {
	l := ratelimit.New(1, time.Minute)
	defer l.Close()

	require.True(t, l.Admit("u1"))
	require.False(t, l.Admit("u1"))
	require.True(t, l.Admit("u2"), "a different user must have its own window")
}

func TestAdmitAnonymousBucketIsLimited(t *testing.T) {
	l := ratelimit.New(1, time.Minute)
	defer l.Close()

	require.True(t, l.Admit(""))
	require.False(t, l.Admit(""), "the anonymous bucket must not bypass admission control")
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	l := ratelimit.New(1, 10*time.Millisecond)
	defer l.Close()

	require.True(t, l.Admit("u1"))
	require.False(t, l.Admit("u1"))
	time.Sleep(20 * time.Millisecond)
	require.True(t, l.Admit("u1"), "a new window should admit again")
}
