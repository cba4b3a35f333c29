// ABOUTME: Shared entity types that cross package boundaries.
// ABOUTME: The Dispatcher, Orchestrator, and Worker exchange these shapes over the queue layer or the local store.

package domain

import "time"

// ThreadStatus is the lifecycle state of a ThreadSession.
type ThreadStatus string

const (
	ThreadPending   ThreadStatus = "pending"
	ThreadStarting  ThreadStatus = "starting"
	ThreadRunning   ThreadStatus = "running"
	ThreadEnqueued  ThreadStatus = "enqueued"
	ThreadCompleted ThreadStatus = "completed"
	ThreadError     ThreadStatus = "error"
	ThreadTimeout   ThreadStatus = "timeout"
)

// ThreadSession is the Dispatcher's in-memory record of an admitted
// conversation. It is safe to lose on restart: the queue and cluster
// state are authoritative, and the Orchestrator rebuilds equivalent
// state by label selector.
type ThreadSession struct {
	SessionKey      string
	ChannelID       string
	UserID          string
	Username        string
	RepositoryURL   string
	AgentSessionID  string
	Status          ThreadStatus
	CreatedAt       time.Time
	LastActivity    time.Time
}

// UserCredentials is the per-user database role plus the cluster
// secret holding the equivalent connection string.
type UserCredentials struct {
	UserID     string
	DBRole     string
	Password   string
	SecretName string
	CreatedAt  time.Time
	RotatedAt  time.Time
}

// DeploymentPhase is the Deployment Reconciler's state machine phase
// for a single session key.
type DeploymentPhase string

const (
	PhaseAbsent     DeploymentPhase = "absent"
	PhaseCreating   DeploymentPhase = "creating"
	PhasePending    DeploymentPhase = "pending"
	PhaseReady      DeploymentPhase = "ready"
	PhaseServing    DeploymentPhase = "serving"
	PhaseScaledDown DeploymentPhase = "scaled-down"
	PhaseDeleting   DeploymentPhase = "deleting"
	PhaseFailed     DeploymentPhase = "failed"
	PhaseOrphan     DeploymentPhase = "orphan"
)

// WorkerDeployment mirrors the cluster Deployment this system creates
// for a thread, one per SessionKey.
type WorkerDeployment struct {
	Name         string
	SessionKey   string
	UserID       string
	Phase        DeploymentPhase
	ReadyReplicas int32
	CreatedAt    time.Time
	LastActivity time.Time
}

// QueueJobState is a QueueJob's lifecycle state.
type QueueJobState string

const (
	JobCreated   QueueJobState = "created"
	JobActive    QueueJobState = "active"
	JobCompleted QueueJobState = "completed"
	JobFailed    QueueJobState = "failed"
	JobRetry     QueueJobState = "retry"
)

// ConversationRecord is the per-session persisted agent conversation
// state, uniquely keyed on (SessionKey, TenantID).
type ConversationRecord struct {
	SessionKey      string
	TenantID        string
	AgentSessionID  string
	FromUserID      string
	ConversationData []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClaudeOptions mirrors the claudeOptions block of a
// WorkerDeploymentRequest.
type ClaudeOptions struct {
	AllowedTools    []string `json:"allowedTools,omitempty"`
	Model           string   `json:"model,omitempty"`
	TimeoutMinutes  int      `json:"timeoutMinutes,omitempty"`
	ResumeSessionID string   `json:"resumeSessionId,omitempty"`
}

// PlatformMetadata mirrors the platformMetadata block.
type PlatformMetadata struct {
	TeamID              string `json:"teamId,omitempty"`
	UserDisplayName     string `json:"userDisplayName,omitempty"`
	RepositoryURL       string `json:"repositoryUrl"`
	SlackResponseChannel string `json:"slackResponseChannel,omitempty"`
	SlackResponseTs     string `json:"slackResponseTs,omitempty"`
	OriginalMessageTs   string `json:"originalMessageTs,omitempty"`
}

// RoutingMetadata marks a WorkerDeploymentRequest as targeting an
// existing thread rather than seeding a new one.
type RoutingMetadata struct {
	TargetThreadID string `json:"targetThreadId"`
	AgentSessionID string `json:"agentSessionId,omitempty"`
	UserID         string `json:"userId"`
}

// WorkerDeploymentRequest is the envelope sent on the "messages"
// ingress queue and, unchanged, on each thread queue.
type WorkerDeploymentRequest struct {
	UserID           string            `json:"userId"`
	BotID            string            `json:"botId,omitempty"`
	AgentSessionID   string            `json:"agentSessionId,omitempty"`
	ThreadID         string            `json:"threadId"`
	Platform         string            `json:"platform"`
	PlatformUserID   string            `json:"platformUserId"`
	MessageID        string            `json:"messageId"`
	MessageText      string            `json:"messageText"`
	ChannelID        string            `json:"channelId"`
	PlatformMetadata PlatformMetadata  `json:"platformMetadata"`
	ClaudeOptions    ClaudeOptions     `json:"claudeOptions"`
	RoutingMetadata  *RoutingMetadata  `json:"routingMetadata,omitempty"`
}

// ThreadResponse is the envelope a worker sends on the "thread_response"
// egress queue.
type ThreadResponse struct {
	MessageID         string    `json:"messageId"`
	ChannelID         string    `json:"channelId"`
	ThreadTs          string    `json:"threadTs"`
	UserID            string    `json:"userId"`
	Content           string    `json:"content,omitempty"`
	IsDone            bool      `json:"isDone"`
	Reaction          string    `json:"reaction,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	OriginalMessageTs string    `json:"originalMessageTs,omitempty"`
}
