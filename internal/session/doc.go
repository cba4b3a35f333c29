// Package session derives the stable identifiers that correlate a
// conversation thread across queues, cluster Deployments, chat
// updates, and git branches.
//
// Key keys a session on (platform, workspaceId,
// channelId, threadId) when threadId is present, and on (platform,
// workspaceId, channelId, userId, messageId) otherwise, so the first
// message in a new conversation seeds its own thread. The key is
// immutable for the thread's lifetime.
//
// SafeName lower-cases a session key, replaces every character
// outside [a-z0-9] with '-', and truncates to the cluster object name
// limit (63 characters), matching /^[a-z0-9][a-z0-9-]*$/.
//
// DeploymentName and BranchName derive the two names built on top of
// SafeName: "worker-<safeName>" and "claude/<sessionKey with '.' ->
// '-'>".
package session
