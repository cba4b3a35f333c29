package credentials_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/credentials"
	"github.com/2389/coven-gateway/internal/store"
)

type fakeRoles struct {
	mu       sync.Mutex
	created  int32
	rotated  int32
	dropped  int32
	password map[string]string
}

func newFakeRoles() *fakeRoles { return &fakeRoles{password: make(map[string]string)} }

func (f *fakeRoles) CreateUserRole(_ context.Context, userID, password string) (string, error) {
	atomic.AddInt32(&f.created, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	role := "user_" + userID
	f.password[role] = password
	return role, nil
}

func (f *fakeRoles) RotateUserRole(_ context.Context, dbRole, newPassword string) error {
	atomic.AddInt32(&f.rotated, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password[dbRole] = newPassword
	return nil
}

func (f *fakeRoles) DropUserRole(_ context.Context, dbRole string) error {
	atomic.AddInt32(&f.dropped, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.password, dbRole)
	return nil
}

func TestEnsureUserCredentialsIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	roles := newFakeRoles()
	secrets := clusterapi.NewFake()
	mgr := credentials.New(s, roles, secrets)

	first, err := mgr.EnsureUserCredentials(context.Background(), "u1")
	require.NoError(t, err)
	require.NotEmpty(t, first.Password)

	second, err := mgr.EnsureUserCredentials(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, first.Password, second.Password, "a second ensure call must return the same password")
	require.Equal(t, int32(1), roles.created, "only one role should ever be created")
}

func TestEnsureUserCredentialsConcurrentCallsAgree(t *testing.T) {
	s := store.NewMemoryStore()
	roles := newFakeRoles()
	secrets := clusterapi.NewFake()
	mgr := credentials.New(s, roles, secrets)

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			creds, err := mgr.EnsureUserCredentials(context.Background(), "concurrent-user")
			require.NoError(t, err)
			results[i] = creds.Password
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, results[0], results[i], "all concurrent calls must observe the same password")
	}
}

func TestRotateUserCredentialsChangesPassword(t *testing.T) {
	s := store.NewMemoryStore()
	roles := newFakeRoles()
	secrets := clusterapi.NewFake()
	mgr := credentials.New(s, roles, secrets)
	ctx := context.Background()

	first, err := mgr.EnsureUserCredentials(ctx, "u1")
	require.NoError(t, err)

	rotated, err := mgr.RotateUserCredentials(ctx, "u1")
	require.NoError(t, err)
	require.NotEqual(t, first.Password, rotated.Password)
	require.Equal(t, first.DBRole, rotated.DBRole)
}

func TestDeleteUserCredentialsDropsRoleAndCache(t *testing.T) {
	s := store.NewMemoryStore()
	roles := newFakeRoles()
	secrets := clusterapi.NewFake()
	mgr := credentials.New(s, roles, secrets)
	ctx := context.Background()

	_, err := mgr.EnsureUserCredentials(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteUserCredentials(ctx, "u1"))
	require.Equal(t, int32(1), roles.dropped)

	_, err = s.GetCredentialCache(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteUserCredentialsOnUnknownUserIsNoop(t *testing.T) {
	s := store.NewMemoryStore()
	roles := newFakeRoles()
	secrets := clusterapi.NewFake()
	mgr := credentials.New(s, roles, secrets)

	require.NoError(t, mgr.DeleteUserCredentials(context.Background(), "never-existed"))
}
