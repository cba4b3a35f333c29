// ABOUTME: Credential Store: per-user PostgreSQL roles plus a cluster secret holding the connection string.
// ABOUTME: Cache-first and idempotent; concurrent ensure calls for the same user are serialized per-user.

package credentials

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/session"
	"github.com/2389/coven-gateway/internal/store"
)

const passwordLength = 32

var passwordAlphabet = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")

// DBRoleManager provisions and rotates PostgreSQL roles. It is the
// boundary to the database the row-level-security policy runs
// against; a real implementation opens a superuser connection and
// executes create_user_role()/ALTER ROLE.
type DBRoleManager interface {
	CreateUserRole(ctx context.Context, userID, password string) (dbRole string, err error)
	RotateUserRole(ctx context.Context, dbRole, newPassword string) error
	DropUserRole(ctx context.Context, dbRole string) error
}

// Store is the subset of store.Store the credential store needs.
type Store interface {
	GetCredentialCache(ctx context.Context, userID string) (*store.CredentialCacheEntry, error)
	PutCredentialCache(ctx context.Context, e *store.CredentialCacheEntry) error
	DeleteCredentialCache(ctx context.Context, userID string) error
}

// Manager is the Credential Store.
type Manager struct {
	store   Store
	roles   DBRoleManager
	secrets clusterapi.SecretClient

	userLocks sync.Map // userID -> *sync.Mutex
}

// New constructs a Manager.
func New(s Store, roles DBRoleManager, secrets clusterapi.SecretClient) *Manager {
	return &Manager{store: s, roles: roles, secrets: secrets}
}

// lockFor serializes ensure/rotate/delete calls per user, so that N
// concurrent EnsureUserCredentials calls for the same user produce
// exactly one DB role and one secret.
func (m *Manager) lockFor(userID string) *sync.Mutex {
	l, _ := m.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func secretName(userID string) string {
	return "peerbot-user-secret-" + session.SafeName(userID)
}

// EnsureUserCredentials is cache-first: on a cache miss it reads the
// cluster secret; if present, decodes and caches it; otherwise it
// provisions a new role and secret together, rolling back the role
// if the secret write fails.
func (m *Manager) EnsureUserCredentials(ctx context.Context, userID string) (*domain.UserCredentials, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	if cached, err := m.store.GetCredentialCache(ctx, userID); err == nil {
		if plaintext, ok := m.secrets.ReadCachedPassword(userID); ok {
			return &domain.UserCredentials{
				UserID: userID, DBRole: cached.DBRole, Password: plaintext,
				SecretName: cached.SecretName, CreatedAt: cached.CreatedAt, RotatedAt: cached.RotatedAt,
			}, nil
		}
	}

	name := secretName(userID)
	if creds, ok, err := m.secrets.ReadConnectionSecret(ctx, name); err != nil {
		return nil, fmt.Errorf("reading cluster secret: %w", err)
	} else if ok {
		if err := m.cachePassword(ctx, userID, creds.DBRole, creds.Password, name); err != nil {
			return nil, err
		}
		return creds, nil
	}

	password, err := randomPassword()
	if err != nil {
		return nil, fmt.Errorf("generating password: %w", err)
	}

	dbRole, err := m.roles.CreateUserRole(ctx, userID, password)
	if err != nil {
		return nil, fmt.Errorf("creating db role: %w", err)
	}

	if err := m.secrets.WriteConnectionSecret(ctx, name, dbRole, password); err != nil {
		if rollbackErr := m.roles.DropUserRole(ctx, dbRole); rollbackErr != nil {
			return nil, fmt.Errorf("writing cluster secret: %w (role rollback also failed: %v)", err, rollbackErr)
		}
		return nil, fmt.Errorf("writing cluster secret: %w", err)
	}

	if err := m.cachePassword(ctx, userID, dbRole, password, name); err != nil {
		return nil, err
	}

	return &domain.UserCredentials{UserID: userID, DBRole: dbRole, Password: password, SecretName: name, CreatedAt: time.Now().UTC()}, nil
}

// RotateUserCredentials generates a new password, alters the role,
// patches the cluster secret, and updates the cache.
func (m *Manager) RotateUserCredentials(ctx context.Context, userID string) (*domain.UserCredentials, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cached, err := m.store.GetCredentialCache(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rotate requires an existing role: %w", err)
	}

	newPassword, err := randomPassword()
	if err != nil {
		return nil, fmt.Errorf("generating password: %w", err)
	}
	if err := m.roles.RotateUserRole(ctx, cached.DBRole, newPassword); err != nil {
		return nil, fmt.Errorf("rotating db role: %w", err)
	}
	if err := m.secrets.WriteConnectionSecret(ctx, cached.SecretName, cached.DBRole, newPassword); err != nil {
		return nil, fmt.Errorf("patching cluster secret: %w", err)
	}
	if err := m.cachePassword(ctx, userID, cached.DBRole, newPassword, cached.SecretName); err != nil {
		return nil, err
	}
	return &domain.UserCredentials{UserID: userID, DBRole: cached.DBRole, Password: newPassword, SecretName: cached.SecretName, RotatedAt: time.Now().UTC()}, nil
}

// DeleteUserCredentials drops the role if it exists, removes the
// secret's keys, and evicts the cache.
func (m *Manager) DeleteUserCredentials(ctx context.Context, userID string) error {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cached, err := m.store.GetCredentialCache(ctx, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("reading credential cache: %w", err)
	}
	if err := m.roles.DropUserRole(ctx, cached.DBRole); err != nil {
		return fmt.Errorf("dropping db role: %w", err)
	}
	if err := m.secrets.DeleteConnectionSecret(ctx, cached.SecretName); err != nil {
		return fmt.Errorf("deleting cluster secret: %w", err)
	}
	m.secrets.ForgetCachedPassword(userID)
	return m.store.DeleteCredentialCache(ctx, userID)
}

func (m *Manager) cachePassword(ctx context.Context, userID, dbRole, password, secretName string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password for cache: %w", err)
	}
	now := time.Now().UTC()
	if err := m.store.PutCredentialCache(ctx, &store.CredentialCacheEntry{
		UserID: userID, DBRole: dbRole, PasswordHash: string(hash), SecretName: secretName,
		CreatedAt: now, RotatedAt: now,
	}); err != nil {
		return fmt.Errorf("caching credentials: %w", err)
	}
	m.secrets.CachePassword(userID, password)
	return nil
}

func randomPassword() (string, error) {
	out := make([]rune, passwordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
