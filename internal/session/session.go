package session

import (
	"regexp"
	"strings"
)

const maxObjectNameLen = 63

var unsafeChar = regexp.MustCompile(`[^a-z0-9]`)

// Key derives the deterministic session key for a platform event. When
// threadID is non-empty the session is keyed on the thread; otherwise
// it is keyed on the originating message, so the first message of a
// new conversation seeds its own thread.
func Key(platform, workspaceID, channelID, userID, threadID, messageID string) string {
	if threadID != "" {
		return join(platform, workspaceID, channelID, threadID)
	}
	return join(platform, workspaceID, channelID, userID, messageID)
}

func join(parts ...string) string {
	return strings.Join(parts, ".")
}

// SafeName lower-cases s, replaces every character outside [a-z0-9]
// with '-', collapses the result to start with an alphanumeric, and
// truncates to the cluster object name limit.
func SafeName(s string) string {
	lowered := strings.ToLower(s)
	replaced := unsafeChar.ReplaceAllString(lowered, "-")
	replaced = strings.Trim(replaced, "-")
	if replaced == "" {
		replaced = "x"
	}
	if len(replaced) > maxObjectNameLen {
		replaced = replaced[:maxObjectNameLen]
		replaced = strings.TrimRight(replaced, "-")
	}
	if replaced[0] < 'a' || replaced[0] > 'z' {
		if replaced[0] < '0' || replaced[0] > '9' {
			replaced = "x" + replaced
			if len(replaced) > maxObjectNameLen {
				replaced = replaced[:maxObjectNameLen]
			}
		}
	}
	return replaced
}

// DeploymentName returns the deterministic Deployment name for a
// session key.
func DeploymentName(sessionKey string) string {
	name := "worker-" + SafeName(sessionKey)
	if len(name) > maxObjectNameLen {
		name = name[:maxObjectNameLen]
		name = strings.TrimRight(name, "-")
	}
	return name
}

// BranchName returns the session's git branch name.
func BranchName(sessionKey string) string {
	return "claude/" + strings.ReplaceAll(sessionKey, ".", "-")
}
