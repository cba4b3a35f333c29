// ABOUTME: Typed client boundary onto the container cluster: Deployment/Secret CRUD and label queries.
// ABOUTME: Client (client.go) wraps k8s.io/client-go; FakeClient is the in-memory double used by package tests.

package clusterapi

import (
	"context"
	"time"

	"github.com/2389/coven-gateway/internal/domain"
)

// DeploymentSpec is the subset of manifest fields this system sets
// on a worker Deployment.
type DeploymentSpec struct {
	Name          string
	Namespace     string
	SessionKey    string
	SafeName      string
	UserID        string
	Replicas      int32
	Env           map[string]string
	SecretEnvFrom string
	ServiceAccount string
}

// DeploymentStatus is the subset of observed status this system reads.
type DeploymentStatus struct {
	Name            string
	SessionKey      string
	ReadyReplicas   int32
	Replicas        int32
	Progressing     bool
	ProgressingFalse bool
	CreatedAt       time.Time
}

// ErrNotFound is returned when a named resource does not exist.
type ErrNotFound struct{ Kind, Name string }

func (e *ErrNotFound) Error() string { return e.Kind + " " + e.Name + " not found" }

// ErrConflict is returned when a resource-version optimistic
// concurrency check rejects a write because another caller won the
// race.
type ErrConflict struct{ Kind, Name string }

func (e *ErrConflict) Error() string { return e.Kind + " " + e.Name + " conflict: lost the race" }

// DeploymentClient is the Deployment Reconciler's cluster boundary.
type DeploymentClient interface {
	Create(ctx context.Context, spec DeploymentSpec) error
	Get(ctx context.Context, name string) (*DeploymentStatus, error)
	ListBySessionLabel(ctx context.Context) ([]*DeploymentStatus, error)
	Scale(ctx context.Context, name string, replicas int32) error
	Delete(ctx context.Context, name string) error
}

// SecretClient is the Credential Store's cluster boundary, plus a
// local plaintext cache the credential store keeps separate from the
// persisted (bcrypt-hashed) cache in internal/store, since
// applications need the real password to build DATABASE_URL but the
// local cache must not disclose it at rest.
type SecretClient interface {
	ReadConnectionSecret(ctx context.Context, name string) (*domain.UserCredentials, bool, error)
	WriteConnectionSecret(ctx context.Context, name, dbRole, password string) error
	DeleteConnectionSecret(ctx context.Context, name string) error

	CachePassword(userID, password string)
	ReadCachedPassword(userID string) (string, bool)
	ForgetCachedPassword(userID string)
}
