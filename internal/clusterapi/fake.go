package clusterapi

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-gateway/internal/domain"
)

// FakeClient is an in-memory DeploymentClient + SecretClient used by
// package tests in internal/reconciler and internal/credentials.
type FakeClient struct {
	mu           sync.Mutex
	deployments  map[string]*DeploymentStatus
	secrets      map[string]*domain.UserCredentials
	passwordCache map[string]string

	// CreateErr, when set, is returned by the next Create call.
	CreateErr error
}

var _ DeploymentClient = (*FakeClient)(nil)
var _ SecretClient = (*FakeClient)(nil)

// NewFake constructs an empty FakeClient.
func NewFake() *FakeClient {
	return &FakeClient{
		deployments:   make(map[string]*DeploymentStatus),
		secrets:       make(map[string]*domain.UserCredentials),
		passwordCache: make(map[string]string),
	}
}

func (f *FakeClient) Create(_ context.Context, spec DeploymentSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return err
	}
	if _, exists := f.deployments[spec.Name]; exists {
		return &ErrConflict{Kind: "Deployment", Name: spec.Name}
	}
	f.deployments[spec.Name] = &DeploymentStatus{
		Name: spec.Name, SessionKey: spec.SessionKey, ReadyReplicas: 0, Replicas: spec.Replicas, CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (f *FakeClient) Get(_ context.Context, name string) (*DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[name]
	if !ok {
		return nil, &ErrNotFound{Kind: "Deployment", Name: name}
	}
	cp := *d
	return &cp, nil
}

func (f *FakeClient) ListBySessionLabel(_ context.Context) ([]*DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*DeploymentStatus
	for _, d := range f.deployments {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeClient) Scale(_ context.Context, name string, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[name]
	if !ok {
		return &ErrNotFound{Kind: "Deployment", Name: name}
	}
	d.Replicas = replicas
	if replicas == 0 {
		d.ReadyReplicas = 0
	}
	return nil
}

func (f *FakeClient) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deployments, name)
	return nil
}

// SetReady lets a test simulate the reconciler's monitoring routine
// observing readiness.
func (f *FakeClient) SetReady(name string, ready int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deployments[name]; ok {
		d.ReadyReplicas = ready
	}
}

// SetCreatedAt lets a test backdate a deployment to exercise the
// orphan-recovery age threshold without sleeping.
func (f *FakeClient) SetCreatedAt(name string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deployments[name]; ok {
		d.CreatedAt = at
	}
}

func (f *FakeClient) ReadConnectionSecret(_ context.Context, name string) (*domain.UserCredentials, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.secrets[name]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (f *FakeClient) WriteConnectionSecret(_ context.Context, name, dbRole, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[name] = &domain.UserCredentials{DBRole: dbRole, Password: password, SecretName: name, CreatedAt: time.Now().UTC()}
	return nil
}

func (f *FakeClient) DeleteConnectionSecret(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, name)
	return nil
}

func (f *FakeClient) CachePassword(userID, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwordCache[userID] = password
}

func (f *FakeClient) ReadCachedPassword(userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.passwordCache[userID]
	return p, ok
}

func (f *FakeClient) ForgetCachedPassword(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.passwordCache, userID)
}
