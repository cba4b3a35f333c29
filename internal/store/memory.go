package store

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-gateway/internal/domain"
)

// MemoryStore is an in-memory Store used by tests for the Dispatcher
// and Orchestrator, so package tests do not need a real SQLite file.
type MemoryStore struct {
	mu            sync.Mutex
	threads       map[string]*domain.ThreadSession
	credentials   map[string]*CredentialCacheEntry
	conversations map[string]*domain.ConversationRecord
	deployments   map[string]*domain.WorkerDeployment
	repos         map[string]struct {
		url      string
		cachedAt time.Time
	}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:       make(map[string]*domain.ThreadSession),
		credentials:   make(map[string]*CredentialCacheEntry),
		conversations: make(map[string]*domain.ConversationRecord),
		deployments:   make(map[string]*domain.WorkerDeployment),
		repos: make(map[string]struct {
			url      string
			cachedAt time.Time
		}),
	}
}

func convKey(sessionKey, tenantID string) string { return sessionKey + "\x00" + tenantID }

func (m *MemoryStore) UpsertThreadSession(_ context.Context, t *domain.ThreadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.threads[t.SessionKey] = &cp
	return nil
}

func (m *MemoryStore) GetThreadSession(_ context.Context, sessionKey string) (*domain.ThreadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetCredentialCache(_ context.Context, userID string) (*CredentialCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.credentials[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) PutCredentialCache(_ context.Context, e *CredentialCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.credentials[e.UserID] = &cp
	return nil
}

func (m *MemoryStore) DeleteCredentialCache(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, userID)
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, sessionKey, tenantID string) (*domain.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[convKey(sessionKey, tenantID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertConversation(_ context.Context, c *domain.ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conversations[convKey(c.SessionKey, c.TenantID)] = &cp
	return nil
}

func (m *MemoryStore) SetAgentSessionID(_ context.Context, sessionKey, tenantID, agentSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := convKey(sessionKey, tenantID)
	c, ok := m.conversations[key]
	if !ok {
		c = &domain.ConversationRecord{SessionKey: sessionKey, TenantID: tenantID, CreatedAt: time.Now().UTC()}
		m.conversations[key] = c
	}
	c.AgentSessionID = agentSessionID
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpsertDeploymentCache(_ context.Context, d *domain.WorkerDeployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.SessionKey] = &cp
	return nil
}

func (m *MemoryStore) GetDeploymentCache(_ context.Context, sessionKey string) (*domain.WorkerDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListActiveDeploymentCache(_ context.Context) ([]*domain.WorkerDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkerDeployment
	for _, d := range m.deployments {
		if d.Phase == domain.PhaseAbsent || d.Phase == domain.PhaseDeleting {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetRepositoryURL(_ context.Context, username string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[username]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return r.url, r.cachedAt, nil
}

func (m *MemoryStore) PutRepositoryURL(_ context.Context, username, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[username] = struct {
		url      string
		cachedAt time.Time
	}{url: url, cachedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
