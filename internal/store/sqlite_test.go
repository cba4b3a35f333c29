package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreadSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	in := &domain.ThreadSession{
		SessionKey:    "slack:W1:C1:T1",
		ChannelID:     "C1",
		UserID:        "U1",
		Username:      "user-u1",
		RepositoryURL: "https://example.invalid/repo.git",
		Status:        domain.ThreadEnqueued,
		CreatedAt:     now,
		LastActivity:  now,
	}
	require.NoError(t, s.UpsertThreadSession(ctx, in))

	out, err := s.GetThreadSession(ctx, in.SessionKey)
	require.NoError(t, err)
	require.Equal(t, in.Username, out.Username)
	require.Equal(t, domain.ThreadEnqueued, out.Status)
	require.Empty(t, out.AgentSessionID)

	in.AgentSessionID = "agent-123"
	in.Status = domain.ThreadRunning
	require.NoError(t, s.UpsertThreadSession(ctx, in))

	out, err = s.GetThreadSession(ctx, in.SessionKey)
	require.NoError(t, err)
	require.Equal(t, "agent-123", out.AgentSessionID)
	require.Equal(t, domain.ThreadRunning, out.Status)
}

func TestGetThreadSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetThreadSession(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetAgentSessionIDCreatesRowIfMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAgentSessionID(ctx, "sk1", "tenant1", "agent-x"))

	c, err := s.GetConversation(ctx, "sk1", "tenant1")
	require.NoError(t, err)
	require.Equal(t, "agent-x", c.AgentSessionID)
}

func TestSetAgentSessionIDIsStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertConversation(ctx, &domain.ConversationRecord{
		SessionKey: "sk1", TenantID: "t1", AgentSessionID: "agent-first",
		FromUserID: "u1", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SetAgentSessionID(ctx, "sk1", "t1", "agent-first"))

	c, err := s.GetConversation(ctx, "sk1", "t1")
	require.NoError(t, err)
	require.Equal(t, "agent-first", c.AgentSessionID)
}

func TestDeploymentCacheListActiveExcludesTerminalPhases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertDeploymentCache(ctx, &domain.WorkerDeployment{
		SessionKey: "sk-active", Name: "worker-sk-active", UserID: "u1",
		Phase: domain.PhaseServing, CreatedAt: now, LastActivity: now,
	}))
	require.NoError(t, s.UpsertDeploymentCache(ctx, &domain.WorkerDeployment{
		SessionKey: "sk-gone", Name: "worker-sk-gone", UserID: "u1",
		Phase: domain.PhaseAbsent, CreatedAt: now, LastActivity: now,
	}))

	active, err := s.ListActiveDeploymentCache(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "sk-active", active[0].SessionKey)
}

func TestCredentialCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutCredentialCache(ctx, &store.CredentialCacheEntry{
		UserID: "u1", DBRole: "user_u1", PasswordHash: "hash", SecretName: "peerbot-user-secret-u1",
		CreatedAt: now, RotatedAt: now,
	}))

	e, err := s.GetCredentialCache(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "user_u1", e.DBRole)

	require.NoError(t, s.DeleteCredentialCache(ctx, "u1"))
	_, err = s.GetCredentialCache(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
