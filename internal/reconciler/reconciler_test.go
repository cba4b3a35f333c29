package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/credentials"
	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/reconciler"
	"github.com/2389/coven-gateway/internal/store"
)

type noopRoles struct{}

func (noopRoles) CreateUserRole(_ context.Context, userID, _ string) (string, error) {
	return "user_" + userID, nil
}
func (noopRoles) RotateUserRole(_ context.Context, _, _ string) error { return nil }
func (noopRoles) DropUserRole(_ context.Context, _ string) error      { return nil }

func newReconciler(t *testing.T) (*reconciler.Reconciler, *clusterapi.FakeClient, store.Store) {
	t.Helper()
	cluster := clusterapi.NewFake()
	s := store.NewMemoryStore()
	creds := credentials.New(s, noopRoles{}, cluster)
	return reconciler.New(cluster, creds, s), cluster, s
}

func TestCreateWorkerDeploymentProvisionsOnce(t *testing.T) {
	r, cluster, _ := newReconciler(t)
	ctx := context.Background()

	name, err := r.CreateWorkerDeployment(ctx, reconciler.CreateRequest{
		SessionKey: "slack.T1.C1.U1.", UserID: "u1", Namespace: "default", RepositoryURL: "https://example.com/r.git",
	})
	require.NoError(t, err)
	require.NotEmpty(t, name)

	status, err := cluster.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int32(1), status.Replicas)

	name2, err := r.CreateWorkerDeployment(ctx, reconciler.CreateRequest{
		SessionKey: "slack.T1.C1.U1.", UserID: "u1", Namespace: "default",
	})
	require.NoError(t, err)
	require.Equal(t, name, name2, "a second create for the same session must reuse the deployment")
}

func TestScaleDeploymentIsANoopAtTarget(t *testing.T) {
	r, cluster, _ := newReconciler(t)
	ctx := context.Background()

	name, err := r.CreateWorkerDeployment(ctx, reconciler.CreateRequest{SessionKey: "s1", UserID: "u1", Namespace: "default"})
	require.NoError(t, err)

	status, err := cluster.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int32(1), status.Replicas, "deployment should already be at the requested replica count")

	require.NoError(t, r.ScaleDeployment(ctx, name, 1))
	status, err = cluster.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int32(1), status.Replicas, "scaling to the current replica count leaves it unchanged")

	require.NoError(t, r.ScaleDeployment(ctx, name, 0))
	status, err = cluster.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int32(0), status.Replicas)
}

func TestRunIdleSweepScalesDownStaleDeployments(t *testing.T) {
	r, cluster, s := newReconciler(t)
	ctx := context.Background()

	name, err := r.CreateWorkerDeployment(ctx, reconciler.CreateRequest{SessionKey: "s1", UserID: "u1", Namespace: "default"})
	require.NoError(t, err)
	cluster.SetReady(name, 1)

	cached, err := s.GetDeploymentCache(ctx, "s1")
	require.NoError(t, err)
	cached.Phase = domain.PhaseServing
	cached.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, s.UpsertDeploymentCache(ctx, cached))

	require.NoError(t, r.RunIdleSweep(ctx))

	status, err := cluster.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int32(0), status.Replicas, "an idle-past-timeout deployment should be scaled to 0")
}

func TestRunOrphanRecoveryDeletesUnrecoverableDeployments(t *testing.T) {
	r, cluster, _ := newReconciler(t)
	ctx := context.Background()

	require.NoError(t, cluster.Create(ctx, clusterapi.DeploymentSpec{Name: "worker-stuck", Namespace: "default", SessionKey: "stuck", Replicas: 1}))
	cluster.SetCreatedAt("worker-stuck", time.Now().Add(-2*time.Hour))

	require.NoError(t, r.RunOrphanRecovery(ctx))

	_, err := cluster.Get(ctx, "worker-stuck")
	require.Error(t, err, "a deployment that never becomes ready after recovery scaling should be deleted")
}
