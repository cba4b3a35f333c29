package session_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/session"
)

func TestKeyPrefersThreadID(t *testing.T) {
	k1 := session.Key("slack", "W1", "C1", "U1", "T1", "M1")
	k2 := session.Key("slack", "W1", "C1", "U2", "T1", "M2")
	require.Equal(t, k1, k2, "thread id should dominate the key regardless of user/message")
}

func TestKeySeedsNewThreadFromMessage(t *testing.T) {
	k1 := session.Key("slack", "W1", "C1", "U1", "", "M1")
	k2 := session.Key("slack", "W1", "C1", "U1", "", "M2")
	require.NotEqual(t, k1, k2)
}

func TestSafeNameMatchesClusterNamingRules(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	inputs := []string{
		"slack:W1:C1:T1",
		"Slack:W!@#1:C1:T1.with.dots",
		strings.Repeat("x", 200),
		".leading-dot",
	}
	for _, in := range inputs {
		name := session.SafeName(in)
		require.True(t, pattern.MatchString(name), "name %q from input %q violates cluster naming rules", name, in)
		require.LessOrEqual(t, len(name), 63)
	}
}

func TestDeploymentNameWithinLimit(t *testing.T) {
	name := session.DeploymentName(strings.Repeat("slack:workspace-very-long-id:", 5))
	require.LessOrEqual(t, len(name), 63)
	require.True(t, regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`).MatchString(name))
}

func TestBranchNameReplacesDots(t *testing.T) {
	require.Equal(t, "claude/slack-W1-C1-T1", session.BranchName("slack.W1.C1.T1"))
}
