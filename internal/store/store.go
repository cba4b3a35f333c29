// ABOUTME: Persists the orchestrator's local bookkeeping: thread sessions, credential cache, conversations.
// ABOUTME: Does not hold per-user application data; that lives in the Postgres role each user's cluster secret names.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-gateway/internal/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("already exists")

// CredentialCacheEntry is the cached form of domain.UserCredentials;
// the plaintext password is never stored here (see
// internal/credentials), only its bcrypt hash, so a compromise of
// this table alone does not disclose the password used on the wire.
type CredentialCacheEntry struct {
	UserID       string
	DBRole       string
	PasswordHash string
	SecretName   string
	CreatedAt    time.Time
	RotatedAt    time.Time
}

// Store is the persistence boundary for the Dispatcher and Orchestrator.
type Store interface {
	// Thread sessions (Dispatcher cache; safe to lose, rebuilt from
	// queue + cluster state).
	UpsertThreadSession(ctx context.Context, t *domain.ThreadSession) error
	GetThreadSession(ctx context.Context, sessionKey string) (*domain.ThreadSession, error)

	// Credential cache.
	GetCredentialCache(ctx context.Context, userID string) (*CredentialCacheEntry, error)
	PutCredentialCache(ctx context.Context, e *CredentialCacheEntry) error
	DeleteCredentialCache(ctx context.Context, userID string) error

	// Conversation records, keyed (sessionKey, tenantID).
	// UpsertConversation replaces an existing row's fields, including
	// its agentSessionId (last write wins); SetAgentSessionID updates
	// only the agentSessionId, creating the row if it is missing.
	GetConversation(ctx context.Context, sessionKey, tenantID string) (*domain.ConversationRecord, error)
	UpsertConversation(ctx context.Context, c *domain.ConversationRecord) error
	SetAgentSessionID(ctx context.Context, sessionKey, tenantID, agentSessionID string) error

	// Deployment cache, advisory only — the cluster API is
	// authoritative.
	UpsertDeploymentCache(ctx context.Context, d *domain.WorkerDeployment) error
	GetDeploymentCache(ctx context.Context, sessionKey string) (*domain.WorkerDeployment, error)
	ListActiveDeploymentCache(ctx context.Context) ([]*domain.WorkerDeployment, error)

	// UserRepository cache (TTL applied by the caller).
	GetRepositoryURL(ctx context.Context, username string) (string, time.Time, error)
	PutRepositoryURL(ctx context.Context, username, url string) error

	Close() error
}
